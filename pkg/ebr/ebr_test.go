package ebr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncWithoutReaders(t *testing.T) {
	d := New()
	require.NoError(t, d.Sync(context.Background()))
	assert.Equal(t, uint64(2), d.Epoch())
}

func TestSyncWaitsForReader(t *testing.T) {
	d := New()
	g := d.Enter()

	done := make(chan struct{})
	go func() {
		assert.NoError(t, d.Sync(context.Background()))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Sync returned while a reader was inside")
	case <-time.After(50 * time.Millisecond):
	}
	d.Exit(g)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sync did not return after the reader exited")
	}
}

func TestSyncCancelled(t *testing.T) {
	d := New()
	g := d.Enter()
	defer d.Exit(g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Sync(ctx), context.DeadlineExceeded)
}

type value struct{ freed atomic.Bool }

func TestNoUseAfterFree(t *testing.T) {
	d := New()
	var cur atomic.Pointer[value]
	cur.Store(&value{})

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg  sync.WaitGroup
		bad atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				g := d.Enter()
				v := cur.Load()
				for j := 0; j < 10; j++ {
					if v.freed.Load() {
						bad.Add(1)
					}
				}
				d.Exit(g)
			}
		}()
	}

	for i := 0; i < 200; i++ {
		old := cur.Swap(&value{})
		require.NoError(t, d.Sync(context.Background()))
		old.freed.Store(true)
	}
	cancel()
	wg.Wait()
	assert.Zero(t, bad.Load())
}
