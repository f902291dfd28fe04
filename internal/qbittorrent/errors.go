// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a remote-client failure. Callers branch on the
// kind instead of inspecting transport errors; nothing below this
// boundary leaks raw HTTP or socket errors.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	// KindNotFound: the engine answered but the torrent does not exist.
	KindNotFound
	// KindAPI: the engine answered with a non-2xx status or an
	// unparseable body.
	KindAPI
	// KindNetwork: the transport failed or timed out before the engine
	// answered.
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindAPI:
		return "api_error"
	case KindNetwork:
		return "network_error"
	}
	return "unknown"
}

// Error is a classified remote-client failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind extracts the classification from an error returned by this
// package. A nil error is KindNone; anything unclassified counts as an
// API error.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindAPI
}

func notFound(op string) *Error {
	return &Error{Kind: KindNotFound, Op: op}
}

// classify maps a raw client error onto the failure taxonomy. Transport
// and timeout errors are network failures; everything else the engine
// said is an API failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := KindAPI

	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		kind = KindNetwork
	}

	return &Error{Kind: kind, Op: op, Err: err}
}
