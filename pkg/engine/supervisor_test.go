package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quietwire/pingmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(context.Background(), slog.Default())
	t.Cleanup(s.StopAll)
	return s
}

// blockUntilCancelled is a runner body that parks until its context ends.
func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartAndStop(t *testing.T) {
	s := newTestSupervisor(t)

	started := make(chan struct{})
	s.Start(testKey, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}
	assert.True(t, s.IsRunning(testKey))

	s.Stop(testKey)
	assert.False(t, s.IsRunning(testKey))
}

func TestStartReplacesExistingRunner(t *testing.T) {
	s := newTestSupervisor(t)

	firstStopped := make(chan struct{})
	s.Start(testKey, func(ctx context.Context) error {
		<-ctx.Done()
		close(firstStopped)
		return nil
	})

	var secondRuns atomic.Bool
	s.Start(testKey, func(ctx context.Context) error {
		secondRuns.Store(true)
		<-ctx.Done()
		return nil
	})

	// The replacement awaited the first runner before launching.
	select {
	case <-firstStopped:
	case <-time.After(time.Second):
		t.Fatal("first runner was not stopped by replacement")
	}

	require.Eventually(t, secondRuns.Load, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning(testKey))
}

func TestFinishedRunnerIsPruned(t *testing.T) {
	s := newTestSupervisor(t)

	done := make(chan struct{})
	s.Start(testKey, func(ctx context.Context) error {
		defer close(done)
		return nil
	})

	<-done
	assert.Eventually(t, func() bool {
		return !s.IsRunning(testKey)
	}, time.Second, 5*time.Millisecond)
}

func TestCrashedRunnerIsRemoved(t *testing.T) {
	s := newTestSupervisor(t)

	done := make(chan struct{})
	s.Start(testKey, func(ctx context.Context) error {
		defer close(done)
		return errors.New("transport exploded")
	})

	<-done
	// The entry disappears so the user can retry start.
	assert.Eventually(t, func() bool {
		return !s.IsRunning(testKey)
	}, time.Second, 5*time.Millisecond)
}

func TestStopAllForContact(t *testing.T) {
	s := newTestSupervisor(t)

	signalKey := models.SessionKey{UserID: 1, ContactID: 7, Platform: models.PlatformSignal}
	otherContact := models.SessionKey{UserID: 1, ContactID: 8, Platform: models.PlatformSignal}

	s.Start(testKey, blockUntilCancelled)
	s.Start(signalKey, blockUntilCancelled)
	s.Start(otherContact, blockUntilCancelled)

	s.StopAllForContact(1, 7)

	assert.False(t, s.IsRunning(testKey))
	assert.False(t, s.IsRunning(signalKey))
	assert.True(t, s.IsRunning(otherContact))
}

func TestListRunning(t *testing.T) {
	s := newTestSupervisor(t)

	signalKey := models.SessionKey{UserID: 1, ContactID: 7, Platform: models.PlatformSignal}
	otherUser := models.SessionKey{UserID: 2, ContactID: 7, Platform: models.PlatformMock}

	s.Start(testKey, blockUntilCancelled)
	s.Start(signalKey, blockUntilCancelled)
	s.Start(otherUser, blockUntilCancelled)

	running := s.ListRunning(1)
	require.Len(t, running, 1)
	assert.ElementsMatch(t, []string{models.PlatformMock, models.PlatformSignal}, running[7])
}

func TestStopAll(t *testing.T) {
	s := newTestSupervisor(t)

	signalKey := models.SessionKey{UserID: 1, ContactID: 7, Platform: models.PlatformSignal}
	s.Start(testKey, blockUntilCancelled)
	s.Start(signalKey, blockUntilCancelled)

	s.StopAll()

	assert.False(t, s.IsRunning(testKey))
	assert.False(t, s.IsRunning(signalKey))
}

func TestStopUnknownKeyIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	s.Stop(models.SessionKey{UserID: 99, ContactID: 99, Platform: models.PlatformMock})
}

func TestConcurrentStartsLeaveOneRunner(t *testing.T) {
	s := newTestSupervisor(t)

	var active atomic.Int32
	run := func(ctx context.Context) error {
		active.Add(1)
		defer active.Add(-1)
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Start(testKey, run)
		}()
	}
	wg.Wait()

	// Every losing runner must have been cancelled, not orphaned.
	require.Eventually(t, func() bool {
		return active.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning(testKey))

	s.Stop(testKey)
	require.Eventually(t, func() bool {
		return active.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.IsRunning(testKey))
}
