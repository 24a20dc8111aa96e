package utils_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"hati/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"
)

func TestManualClock(t *testing.T) {
	start := time.Unix(100, 0)
	clock := utils.NewManualClock(start)

	soon := clock.After(time.Second)
	later := clock.After(3 * time.Second)
	assert.Equal(t, 2, clock.Waiters())

	clock.Advance(time.Second)
	select {
	case fired := <-soon:
		assert.Equal(t, start.Add(time.Second), fired)
	default:
		t.Fatal("expected the one second waiter to fire")
	}
	select {
	case <-later:
		t.Fatal("three second waiter fired early")
	default:
	}

	clock.Advance(5 * time.Second)
	<-later
	assert.Equal(t, start.Add(6*time.Second), clock.Now())
	assert.Zero(t, clock.Waiters())

	// Non-positive durations fire immediately.
	<-clock.After(0)
}

func TestWorkerPool(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	pool := utils.NewWorkerPool(3)
	assert.False(t, pool.AddTask(1), "tasks are refused before setup")

	tb := &tomb.Tomb{}
	pool.Setup(tb, func(_ *tomb.Tomb, task any) error {
		defer wg.Done()
		mu.Lock()
		seen = append(seen, task.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.True(t, pool.AddTask(i))
	}
	wg.Wait()

	tb.Kill(nil)
	assert.NoError(t, tb.Wait())
	assert.Len(t, seen, 20)
	assert.False(t, pool.AddTask(21))
}

func TestWorkerPool_ErrorKillsTomb(t *testing.T) {
	boom := errors.New("boom")
	pool := utils.NewWorkerPool(2)

	tb := &tomb.Tomb{}
	pool.Setup(tb, func(_ *tomb.Tomb, task any) error {
		return boom
	})
	pool.AddTask("x")

	assert.ErrorIs(t, tb.Wait(), boom)
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, utils.SetupLogging("debug", false))
	assert.NoError(t, utils.SetupLogging("", true))
	assert.Error(t, utils.SetupLogging("loud", false))
}
