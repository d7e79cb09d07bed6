package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
)

func TestWaitWatcherErrorDoesNotStartPass(t *testing.T) {
	tick := make(chan time.Time)
	events := make(chan fsnotify.Event)
	errs := make(chan error)
	reload := false

	done := make(chan bool, 1)
	go func() {
		done <- wait(context.Background(), tick, events, errs, "/etc/ulsr/ulsr.yaml", &reload)
	}()

	errs <- errors.New("queue overflow")
	events <- fsnotify.Event{Name: "/etc/ulsr/other.yaml", Op: fsnotify.Write}
	select {
	case <-done:
		t.Fatal("wait returned before the tick")
	case <-time.After(50 * time.Millisecond):
	}

	events <- fsnotify.Event{Name: "/etc/ulsr/ulsr.yaml", Op: fsnotify.Write}
	tick <- time.Now()
	assert.True(t, <-done)
	assert.True(t, reload)
}

func TestWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error)
	close(errs)
	cancel()

	reload := false
	assert.False(t, wait(ctx, nil, nil, errs, "/etc/ulsr/ulsr.yaml", &reload))
	assert.False(t, reload)
}
