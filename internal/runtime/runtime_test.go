package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickLoop_RunsImmediatelyThenOnInterval(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		TickLoop(ctx, "test", 10*time.Millisecond, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 2)
}

func TestTickLoop_RecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	done := make(chan struct{})
	go func() {
		TickLoop(ctx, "test", 5*time.Millisecond, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			panic("boom")
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Greater(t, int(atomic.LoadInt32(&calls)), 0)
}

func TestGroup_WaitBlocksUntilAllSpawnedReturn(t *testing.T) {
	var g Group
	var done int32

	for i := 0; i < 3; i++ {
		g.Spawn(func() {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}

	g.Wait()
	assert.Equal(t, int32(3), done)
}

func TestExpiryTimer_AddEveryRunsAndStop(t *testing.T) {
	timer := NewExpiryTimer()
	var calls int32

	err := timer.AddEvery("cleanup", time.Second, func() {
		atomic.AddInt32(&calls, 1)
	})
	assert.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	assert.Greater(t, int(atomic.LoadInt32(&calls)), 0)

	timer.Remove("cleanup")
	timer.Stop()
}
