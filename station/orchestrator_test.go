package station

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gateRunner blocks each Run until released, recording concurrency.
type gateRunner struct {
	started chan *Package
	release chan struct{}

	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func newGateRunner() *gateRunner {
	return &gateRunner{
		started: make(chan *Package, 16),
		release: make(chan struct{}),
	}
}

func (r *gateRunner) Run(_ context.Context, pkg *Package) {
	cur := r.inflight.Add(1)
	for {
		maxSeen := r.maxSeen.Load()
		if cur <= maxSeen || r.maxSeen.CompareAndSwap(maxSeen, cur) {
			break
		}
	}

	r.started <- pkg
	<-r.release

	pkg.SetStatus(StatusSuccess, "")
	pkg.ReleaseImage()
	r.inflight.Add(-1)
}

func (r *gateRunner) next(t *testing.T) *Package {
	t.Helper()

	select {
	case pkg := <-r.started:
		return pkg
	case <-time.After(time.Second):
		t.Fatal("no upload started")
		return nil
	}
}

func TestOrchestratorSingleFlight(t *testing.T) {
	require := require.New(t)

	runner := newGateRunner()
	o := NewOrchestrator(runner, nil)

	ctx := context.Background()

	p1 := NewPackage("PKG1", time.Now(), &fakeImage{})
	p2 := NewPackage("PKG2", time.Now(), &fakeImage{})

	o.Submit(ctx, p1)
	require.Same(p1, runner.next(t))
	require.True(o.Busy())

	o.Submit(ctx, p2)
	require.True(o.HasPending())

	// p2 waits until p1 finishes
	select {
	case <-runner.started:
		t.Fatal("second upload started while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	runner.release <- struct{}{}
	require.Same(p2, runner.next(t))
	require.False(o.HasPending())

	runner.release <- struct{}{}
	o.Close()

	require.Equal(int32(1), runner.maxSeen.Load())
}

func TestOrchestratorPendingSuperseded(t *testing.T) {
	require := require.New(t)

	runner := newGateRunner()
	o := NewOrchestrator(runner, nil)

	ctx := context.Background()

	p1 := NewPackage("PKG1", time.Now(), &fakeImage{})

	olderImg := &fakeImage{}
	older := NewPackage("PKG2", time.Now(), olderImg)
	newer := NewPackage("PKG3", time.Now(), &fakeImage{})

	o.Submit(ctx, p1)
	runner.next(t)

	o.Submit(ctx, older)
	o.Submit(ctx, newer) // replaces older in the waiting slot

	status, msg := older.Status()
	require.Equal(StatusError, status)
	require.Contains(msg, "superseded")
	require.True(older.ImageReleased())
	require.Equal(int32(1), olderImg.released.Load())

	runner.release <- struct{}{}
	require.Same(newer, runner.next(t))

	runner.release <- struct{}{}
	o.Close()
}

func TestOrchestratorConcurrentSubmits(t *testing.T) {
	require := require.New(t)

	runner := newGateRunner()
	o := NewOrchestrator(runner, nil)

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Submit(ctx, NewPackage("PKG", time.Now(), &fakeImage{}))
		}()
	}
	wg.Wait()

	// drain: release every upload that starts
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runner.started:
				runner.release <- struct{}{}
			case <-time.After(300 * time.Millisecond):
				return
			}
		}
	}()
	<-done

	o.Close()
	require.Equal(int32(1), runner.maxSeen.Load())
}

func TestOrchestratorCloseDiscardsPending(t *testing.T) {
	require := require.New(t)

	runner := newGateRunner()
	o := NewOrchestrator(runner, nil)

	ctx := context.Background()

	p1 := NewPackage("PKG1", time.Now(), &fakeImage{})
	waiting := NewPackage("PKG2", time.Now(), &fakeImage{})

	o.Submit(ctx, p1)
	runner.next(t)
	o.Submit(ctx, waiting)

	closeDone := make(chan struct{})
	go func() {
		o.Close()
		close(closeDone)
	}()

	// wait until Close has taken the waiting slot before letting the upload finish
	require.Eventually(func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.closed
	}, time.Second, 10*time.Millisecond)

	runner.release <- struct{}{}
	<-closeDone

	status, _ := waiting.Status()
	require.Equal(StatusError, status)
	require.True(waiting.ImageReleased())

	// submits after close are finalized immediately
	late := NewPackage("PKG4", time.Now(), &fakeImage{})
	o.Submit(ctx, late)
	status, _ = late.Status()
	require.Equal(StatusError, status)
	require.True(late.ImageReleased())
}
