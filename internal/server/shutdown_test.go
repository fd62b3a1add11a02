package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_StagesInOrder(t *testing.T) {
	s := NewShutdown(DefaultConfig())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	s.Add(StageRelease, "replication log", record("log"))
	s.Add(StageRelease, "catalog", record("catalog"))
	s.Add(StageFlush, "group", record("group"))
	s.Add(StageHalt, "checkpoints", record("halt"))

	require.NoError(t, s.Run(context.Background(), "test"))
	assert.Equal(t, []string{"halt", "group", "catalog", "log"}, order)
	assert.True(t, s.Stopping())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}

	require.NoError(t, s.Run(context.Background(), "again"))
	assert.Len(t, order, 4)
}

func TestRun_JoinsStepErrors(t *testing.T) {
	s := NewShutdown(DefaultConfig())
	flushErr := errors.New("disk full")
	closeErr := errors.New("busy")
	released := 0

	s.Add(StageRelease, "catalog", func(context.Context) error { released++; return closeErr })
	s.Add(StageRelease, "replication log", func(context.Context) error { released++; return nil })
	s.Add(StageFlush, "group", func(context.Context) error { return flushErr })

	err := s.Run(context.Background(), "test")
	assert.ErrorIs(t, err, flushErr)
	assert.ErrorIs(t, err, closeErr)
	assert.ErrorContains(t, err, "group: disk full")
	assert.ErrorContains(t, err, "catalog: busy")
	assert.Equal(t, 2, released, "every release step runs")

	// later callers see the same result
	assert.Equal(t, err, s.Run(context.Background(), "again"))
}

func TestRun_HaltStepsRunConcurrently(t *testing.T) {
	s := NewShutdown(Config{Timeout: time.Second})

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	meet := func(ctx context.Context) error {
		started.Done()
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.Add(StageHalt, "checkpoints", meet)
	s.Add(StageHalt, "listener", meet)

	require.NoError(t, s.Run(context.Background(), "test"))
}

func TestRun_WaitsForInFlight(t *testing.T) {
	s := NewShutdown(Config{Timeout: time.Second, DrainTimeout: time.Second})
	done, ok := s.Begin("checkpoint")
	require.True(t, ok)
	assert.Equal(t, 1, s.InFlight())

	flushed := false
	s.Add(StageFlush, "group", func(context.Context) error {
		assert.Equal(t, 0, s.InFlight(), "flush runs after the drain")
		flushed = true
		return nil
	})

	go func() {
		time.Sleep(30 * time.Millisecond)
		done()
		done()
	}()

	require.NoError(t, s.Run(context.Background(), "test"))
	assert.True(t, flushed)
	assert.Equal(t, 0, s.InFlight())

	_, ok = s.Begin("checkpoint")
	assert.False(t, ok, "operations are rejected once shutdown starts")
}

func TestRun_DrainTimeoutNamesOperations(t *testing.T) {
	s := NewShutdown(Config{Timeout: time.Second, DrainTimeout: 20 * time.Millisecond})
	for _, op := range []string{"replay", "checkpoint", "checkpoint"} {
		_, ok := s.Begin(op)
		require.True(t, ok)
	}
	released := false
	s.Add(StageRelease, "catalog", func(context.Context) error { released = true; return nil })

	err := s.Run(context.Background(), "test")
	assert.ErrorContains(t, err, "2 checkpoint, 1 replay")
	assert.True(t, released, "release steps run after a failed drain")
}

func TestBegin_IdleAgainAfterDone(t *testing.T) {
	s := NewShutdown(Config{Timeout: time.Second, DrainTimeout: 20 * time.Millisecond})
	for i := 0; i < 3; i++ {
		done, ok := s.Begin("checkpoint")
		require.True(t, ok)
		done()
	}
	assert.NoError(t, s.Run(context.Background(), "test"))
}

func TestListenForSignals_ContextCancel(t *testing.T) {
	s := NewShutdown(DefaultConfig())
	closed := false
	s.Add(StageRelease, "catalog", func(context.Context) error { closed = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.ListenForSignals(ctx))
	assert.True(t, closed)
}

func TestListenForSignals_ReturnsRunResult(t *testing.T) {
	s := NewShutdown(DefaultConfig())
	failed := errors.New("close failed")
	s.Add(StageRelease, "catalog", func(context.Context) error { return failed })

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenForSignals(context.Background()) }()

	runErr := s.Run(context.Background(), "requested")
	assert.ErrorIs(t, runErr, failed)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, failed)
	case <-time.After(time.Second):
		t.Fatal("ListenForSignals did not return after Run")
	}
}
