// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"context"
	"errors"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitmaid/qbitmaid/internal/domain"
	"github.com/qbitmaid/qbitmaid/internal/models"
)

type fakeClient struct {
	torrentsByTag map[string][]qbt.Torrent
	listErr       error
	addTagErr     error

	// ops records tag mutations in call order as "add:hash:tag" or
	// "remove:hash:tag".
	ops []string
}

func (f *fakeClient) TorrentsWithTag(ctx context.Context, tag string) ([]qbt.Torrent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.torrentsByTag[tag], nil
}

func (f *fakeClient) AddTag(ctx context.Context, hash, tag string) error {
	if f.addTagErr != nil {
		return f.addTagErr
	}
	f.ops = append(f.ops, "add:"+hash+":"+tag)
	return nil
}

func (f *fakeClient) RemoveTag(ctx context.Context, hash, tag string) error {
	f.ops = append(f.ops, "remove:"+hash+":"+tag)
	return nil
}

type fakeSaver struct {
	saved    map[string]models.TaskType
	existing map[string]bool
	err      error
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{
		saved:    make(map[string]models.TaskType),
		existing: make(map[string]bool),
	}
}

func (f *fakeSaver) Save(ctx context.Context, hash string, taskType models.TaskType) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	key := hash + "/" + string(taskType)
	if f.existing[key] {
		return false, nil
	}
	f.existing[key] = true
	f.saved[hash] = taskType
	return true, nil
}

type fakeHealth struct{ pause bool }

func (f *fakeHealth) ShouldPause(ctx context.Context) bool { return f.pause }

type fakeBreakers struct {
	open      bool
	failures  int
	successes int
}

func (f *fakeBreakers) CanExecute(ctx context.Context, resource string) bool { return !f.open }

func (f *fakeBreakers) RecordSuccess(ctx context.Context, resource string) { f.successes++ }

func (f *fakeBreakers) RecordFailure(ctx context.Context, resource string) { f.failures++ }

func testConfig() domain.Config {
	cfg := domain.DefaultConfig()
	return cfg
}

func newTestScanner(client *fakeClient, saver *fakeSaver, health *fakeHealth, breakers *fakeBreakers) *Service {
	return NewService(client, saver, health, breakers, testConfig)
}

func TestScannerCreatesTasksAndRewritesTags(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added":     {{Hash: "aaaa", Name: "Movie.2024"}},
			"completed": {{Hash: "bbbb", Name: "Show.S01"}},
		},
	}
	saver := newFakeSaver()
	s := newTestScanner(client, saver, &fakeHealth{}, &fakeBreakers{})

	sleep := s.runPass(context.Background())

	cfg := testConfig()
	assert.Equal(t, cfg.PollDuration(), sleep)
	assert.Equal(t, models.TaskTypeAdded, saver.saved["aaaa"])
	assert.Equal(t, models.TaskTypeCompleted, saver.saved["bbbb"])

	// Processing tag is added before the source tag is removed.
	require.Equal(t, []string{
		"add:aaaa:processing",
		"remove:aaaa:added",
		"add:bbbb:processing",
		"remove:bbbb:completed",
	}, client.ops)
}

func TestScannerSkipsExistingTasks(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added": {{Hash: "aaaa", Name: "Movie.2024"}},
		},
	}
	saver := newFakeSaver()
	saver.existing["aaaa/added"] = true

	s := newTestScanner(client, saver, &fakeHealth{}, &fakeBreakers{})
	s.runPass(context.Background())

	// No tag mutation when the task already exists.
	assert.Empty(t, client.ops)
}

func TestScannerSkipsMetadataStates(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added": {{Hash: "aaaa", Name: "Movie.2024", State: qbt.TorrentStateMetaDl}},
		},
	}
	saver := newFakeSaver()

	s := newTestScanner(client, saver, &fakeHealth{}, &fakeBreakers{})
	s.runPass(context.Background())

	assert.Empty(t, saver.saved)
	assert.Empty(t, client.ops)
}

func TestScannerPausesOnUnhealthyEngine(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added": {{Hash: "aaaa"}},
		},
	}
	saver := newFakeSaver()

	s := newTestScanner(client, saver, &fakeHealth{pause: true}, &fakeBreakers{})
	sleep := s.runPass(context.Background())

	cfg := testConfig()
	assert.Equal(t, cfg.PollDuration(), sleep)
	assert.Empty(t, saver.saved)
}

func TestScannerPausesOnOpenBreaker(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added": {{Hash: "aaaa"}},
		},
	}
	saver := newFakeSaver()

	s := newTestScanner(client, saver, &fakeHealth{}, &fakeBreakers{open: true})
	s.runPass(context.Background())

	assert.Empty(t, saver.saved)
}

func TestScannerBacksOffOnErrors(t *testing.T) {
	client := &fakeClient{listErr: errors.New("boom")}
	saver := newFakeSaver()
	breakers := &fakeBreakers{}

	s := newTestScanner(client, saver, &fakeHealth{}, breakers)

	sleep := s.runPass(context.Background())
	assert.Equal(t, errorBackoff, sleep)

	// Ten consecutive error passes switch to the long backoff.
	for i := 0; i < longBackoffStreak; i++ {
		sleep = s.runPass(context.Background())
	}
	assert.Equal(t, longErrorBackoff, sleep)

	// A clean pass resets the streak.
	client.listErr = nil
	sleep = s.runPass(context.Background())
	cfg := testConfig()
	assert.Equal(t, cfg.PollDuration(), sleep)

	client.listErr = errors.New("boom")
	sleep = s.runPass(context.Background())
	assert.Equal(t, errorBackoff, sleep)
}

func TestScannerRecordsSystemFailures(t *testing.T) {
	// A plain error counts as an API failure at the boundary and is
	// recorded against the breaker.
	client := &fakeClient{listErr: errors.New("status 500")}
	breakers := &fakeBreakers{}

	s := newTestScanner(client, newFakeSaver(), &fakeHealth{}, breakers)
	s.runPass(context.Background())

	// Both the added and the completed pass failed.
	assert.Equal(t, 2, breakers.failures)
}

func TestScannerDiscoveredHook(t *testing.T) {
	client := &fakeClient{
		torrentsByTag: map[string][]qbt.Torrent{
			"added": {{Hash: "aaaa"}, {Hash: "bbbb"}},
		},
	}
	s := newTestScanner(client, newFakeSaver(), &fakeHealth{}, &fakeBreakers{})

	var discovered []models.TaskType
	s.SetDiscoveredHook(func(taskType models.TaskType) {
		discovered = append(discovered, taskType)
	})

	s.runPass(context.Background())

	assert.Equal(t, []models.TaskType{models.TaskTypeAdded, models.TaskTypeAdded}, discovered)
}
