package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollerRunsImmediately(t *testing.T) {
	ran := make(chan struct{})
	p := NewPoller(time.Hour, func(context.Context) {
		close(ran)
	})
	p.Start(context.Background())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first run did not start before the first tick")
	}
	if !p.Stop(time.Second) {
		t.Fatal("Stop did not complete with no run in flight")
	}
}

func TestPollerStopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error

	p := NewPoller(time.Hour, func(ctx context.Context) {
		close(started)
		<-release
		ctxErr = ctx.Err()
	})
	p.Start(context.Background())
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	if !p.Stop(2 * time.Second) {
		t.Fatal("Stop gave up on a run that finished within the grace period")
	}
	if ctxErr != nil {
		t.Errorf("in-flight run saw a cancelled context: %v", ctxErr)
	}
}

func TestPollerStopGraceExpires(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	p := NewPoller(time.Hour, func(context.Context) {
		close(started)
		<-release
	})
	p.Start(context.Background())
	<-started

	if p.Stop(20 * time.Millisecond) {
		t.Fatal("Stop reported completion while a run was still blocked")
	}
}

func TestPollerNoNewRunsAfterStop(t *testing.T) {
	var runs atomic.Int64
	p := NewPoller(5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})
	p.Start(context.Background())

	// Let a few ticks fire, then stop and make sure the count freezes.
	time.Sleep(30 * time.Millisecond)
	if !p.Stop(time.Second) {
		t.Fatal("Stop did not complete")
	}
	after := runs.Load()
	if after == 0 {
		t.Fatal("poller never ran")
	}
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != after {
		t.Errorf("runs continued after Stop: %d -> %d", after, got)
	}
}
