package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweepable struct {
	calls  atomic.Int32
	err    error
	result SweepResult
	passes chan struct{}
}

func (f *fakeSweepable) SweepExpired(context.Context) (SweepResult, error) {
	f.calls.Add(1)
	if f.passes != nil {
		select {
		case f.passes <- struct{}{}:
		default:
		}
	}
	return f.result, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	s := NewSweeper(&fakeSweepable{}, 0, nil)
	assert.Equal(t, DefaultSweepInterval, s.Interval())
}

func TestSweeper_RunOnce(t *testing.T) {
	store := &fakeSweepable{result: SweepResult{Codes: 2, Grants: 3}}
	s := NewSweeper(store, time.Minute, quietLogger())

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total())
	assert.EqualValues(t, 1, store.calls.Load())
}

func TestSweeper_RunOnceError(t *testing.T) {
	store := &fakeSweepable{err: errors.New("backend down")}
	s := NewSweeper(store, time.Minute, quietLogger())

	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	store := &fakeSweepable{passes: make(chan struct{}, 1), err: errors.New("transient")}
	s := NewSweeper(store, 5*time.Millisecond, quietLogger())

	s.Start(context.Background())
	s.Start(context.Background()) // no-op while running

	for i := 0; i < 2; i++ {
		select {
		case <-store.passes:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not run")
		}
	}

	s.Stop()
	after := store.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, store.calls.Load(), "no passes after Stop")

	s.Stop() // idempotent
}

func TestSweeper_StopsWithContext(t *testing.T) {
	store := &fakeSweepable{}
	s := NewSweeper(store, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancellation")
	}
	assert.EqualValues(t, 0, store.calls.Load())
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	NewSweeper(&fakeSweepable{}, time.Minute, quietLogger()).Stop()
}
