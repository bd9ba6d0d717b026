package threadpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sperrors "github.com/Adithya-Monish-Kumar-K/search-index-builder/pkg/errors"
)

type dropCounter struct {
	ran     *atomic.Int64
	dropped *atomic.Int64
	block   <-chan struct{}
}

func (d *dropCounter) Process() error {
	if d.block != nil {
		<-d.block
	}
	d.ran.Add(1)
	return nil
}

func (d *dropCounter) Drop() {
	d.dropped.Add(1)
}

func TestThreadPool_RunsEverything(t *testing.T) {
	p := NewThreadPool("test", 4, 16)
	require.NoError(t, p.Start())

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		require.NoError(t, p.PushWorkItem(NewFuncWorkItem("inc", func() error {
			n.Add(1)
			return nil
		}), true))
	}
	p.WaitFinish()
	assert.Equal(t, int64(100), n.Load())
	require.NoError(t, p.Stop(StopAfterQueueEmpty))
	assert.False(t, p.HasException())
}

func TestThreadPool_NonBlockingPushOnFullQueue(t *testing.T) {
	p := NewThreadPool("full", 1, 1)
	var ran, dropped atomic.Int64
	require.NoError(t, p.PushWorkItem(&dropCounter{ran: &ran, dropped: &dropped}, false))

	err := p.PushWorkItem(&dropCounter{ran: &ran, dropped: &dropped}, false)
	require.ErrorIs(t, err, sperrors.ErrQueueFull)

	require.NoError(t, p.Stop(StopAndClearQueue))
	assert.Equal(t, int64(1), dropped.Load())
	assert.Zero(t, ran.Load())

	err = p.PushWorkItem(NewFuncWorkItem("late", func() error { return nil }), true)
	require.ErrorIs(t, err, sperrors.ErrPoolStopped)
}

func TestThreadPool_BlockingPushWaitsForSpace(t *testing.T) {
	p := NewThreadPool("blocking", 1, 1)
	release := make(chan struct{})
	var ran, dropped atomic.Int64
	require.NoError(t, p.Start())
	require.NoError(t, p.PushWorkItem(&dropCounter{ran: &ran, dropped: &dropped, block: release}, true))
	require.Eventually(t, func() bool { return p.QueueLen() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.PushWorkItem(&dropCounter{ran: &ran, dropped: &dropped}, true))

	pushed := make(chan struct{})
	go func() {
		_ = p.PushWorkItem(&dropCounter{ran: &ran, dropped: &dropped}, true)
		close(pushed)
	}()
	select {
	case <-pushed:
		t.Fatal("push returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-pushed
	p.WaitFinish()
	assert.Equal(t, int64(3), ran.Load())
	require.NoError(t, p.Stop(StopAfterQueueEmpty))
}

func TestThreadPool_PanicBecomesBuildError(t *testing.T) {
	p := NewThreadPool("panics", 2, 8)
	require.NoError(t, p.Start())

	var after atomic.Int64
	require.NoError(t, p.PushWorkItem(NewFuncWorkItem("boom", func() error { panic("kaboom") }), true))
	require.NoError(t, p.PushWorkItem(NewFuncWorkItem("fails", func() error { return errors.New("bad doc") }), true))
	require.NoError(t, p.PushWorkItem(NewFuncWorkItem("fine", func() error {
		after.Add(1)
		return nil
	}), true))
	p.WaitFinish()

	assert.True(t, p.HasException())
	assert.Equal(t, int64(2), p.FailureCount())
	assert.Equal(t, int64(1), after.Load(), "failures do not stop sibling items")

	var be *sperrors.BuildError
	require.ErrorAs(t, p.CheckException(), &be)
	assert.Contains(t, []string{"boom", "fails"}, be.Item)

	assert.True(t, p.StopIfHasException())
	err := p.PushWorkItem(NewFuncWorkItem("late", func() error { return nil }), false)
	require.ErrorIs(t, err, sperrors.ErrPoolStopped)
}

func TestThreadPool_StopAfterQueueEmptyDrains(t *testing.T) {
	p := NewThreadPool("drain", 2, 64)
	var n atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.PushWorkItem(NewFuncWorkItem("slow", func() error {
			time.Sleep(time.Millisecond)
			n.Add(1)
			return nil
		}), true))
	}
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop(StopAfterQueueEmpty))
	assert.Equal(t, int64(50), n.Load())
}

type recordingObserver struct {
	mu        sync.Mutex
	finished  int
	failed    int
	coalesced []string
}

func (o *recordingObserver) WorkItemFinished(_ string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) GroupCoalesced(group string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.coalesced = append(o.coalesced, group)
}

func TestThreadPool_Observer(t *testing.T) {
	p := NewThreadPool("observed", 1, 4)
	o := &recordingObserver{}
	p.SetObserver(o)
	require.NoError(t, p.Start())
	require.NoError(t, p.PushWorkItem(NewFuncWorkItem("ok", func() error { return nil }), true))
	require.NoError(t, p.PushWorkItem(NewFuncWorkItem("bad", func() error { return errors.New("x") }), true))
	p.WaitFinish()
	_ = p.Stop(StopAfterQueueEmpty)
	assert.Equal(t, 2, o.finished)
	assert.Equal(t, 1, o.failed)
}
