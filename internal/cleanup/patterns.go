// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cleanup classifies torrent payload entries against operator
// configured regex lists and removes the matching ones from disk after a
// torrent completes.
package cleanup

import (
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"
)

// Patterns holds the compiled regex lists. All matching is
// case-insensitive and applies to the basename only.
type Patterns struct {
	file    []*regexp.Regexp
	folder  []*regexp.Regexp
	disable []*regexp.Regexp
}

func compileList(kind string, patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			log.Error().Err(err).Str("list", kind).Str("pattern", pattern).Msg("invalid regex pattern, skipping")
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// CompilePatterns builds a Patterns set from the three configured lists.
// Invalid expressions are logged and skipped so one bad pattern does not
// disable the rest.
func CompilePatterns(filePatterns, folderPatterns, disablePatterns []string) *Patterns {
	p := &Patterns{
		file:    compileList("file_patterns", filePatterns),
		folder:  compileList("folder_patterns", folderPatterns),
		disable: compileList("disable_file_patterns", disablePatterns),
	}

	log.Debug().
		Int("filePatterns", len(p.file)).
		Int("folderPatterns", len(p.folder)).
		Int("disablePatterns", len(p.disable)).
		Msg("cleanup patterns compiled")

	return p
}

func matchAny(name string, patterns []*regexp.Regexp) bool {
	base := filepath.Base(name)
	for _, re := range patterns {
		if re.MatchString(base) {
			return true
		}
	}
	return false
}

// ShouldDeleteFile reports whether a file basename matches file_patterns.
func (p *Patterns) ShouldDeleteFile(name string) bool {
	return matchAny(name, p.file)
}

// ShouldDeleteFolder reports whether a directory basename matches
// folder_patterns.
func (p *Patterns) ShouldDeleteFolder(name string) bool {
	return matchAny(name, p.folder)
}

// ShouldDisableFile reports whether a file basename matches
// disable_file_patterns.
func (p *Patterns) ShouldDisableFile(name string) bool {
	return matchAny(name, p.disable)
}

// Cleaner applies the pattern set to a payload tree. The pattern set is
// swappable at runtime for config reload.
type Cleaner struct {
	mu       sync.RWMutex
	patterns *Patterns
}

func NewCleaner(patterns *Patterns) *Cleaner {
	return &Cleaner{patterns: patterns}
}

// SetPatterns swaps the active pattern set. Used by config reload; the
// next Clean call sees the new lists.
func (c *Cleaner) SetPatterns(patterns *Patterns) {
	c.mu.Lock()
	c.patterns = patterns
	c.mu.Unlock()
}

// Patterns returns the active pattern set.
func (c *Cleaner) Patterns() *Patterns {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patterns
}
