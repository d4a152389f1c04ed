package station

import (
	"context"
	"sync"

	"github.com/parcelworks/dws-station/logger"
)

// Runner drives one package to a terminal status. *Uploader is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, pkg *Package)
}

// Orchestrator serializes package uploads: at most one package negotiates with the
// Controller at a time, and at most one more waits behind it. A newer package
// arriving while a slot is already queued supersedes the waiting one, which is
// finalized as an error and has its image released.
type Orchestrator struct {
	uploader Runner
	log      logger.Logger

	mu      sync.Mutex
	current *Package
	pending *Package
	queued  bool
	closed  bool

	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator driving the given uploader.
func NewOrchestrator(uploader Runner, log logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Orchestrator{uploader: uploader, log: log}
}

// Submit hands a package to the orchestrator. When idle the package starts
// immediately; otherwise it takes the waiting slot, discarding any package already
// waiting there.
func (o *Orchestrator) Submit(ctx context.Context, pkg *Package) {
	o.mu.Lock()

	if o.closed {
		o.mu.Unlock()
		o.discard(pkg)

		return
	}

	if o.current == nil {
		o.current = pkg
		o.start(ctx, pkg)
		o.mu.Unlock()

		return
	}

	older := o.pending
	o.pending = pkg
	o.queued = true
	o.mu.Unlock()

	if older != nil {
		o.log.Warn("waiting package superseded by a newer one",
			"barcode", older.Barcode, "index", older.Index)
		o.discard(older)
	}
}

// start launches the upload for pkg. Caller holds o.mu.
func (o *Orchestrator) start(ctx context.Context, pkg *Package) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		o.uploader.Run(ctx, pkg)
		o.advance(ctx)
	}()
}

// advance finishes the current slot and promotes the waiting package, if any.
func (o *Orchestrator) advance(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.current = nil

	if !o.queued || o.closed {
		return
	}

	next := o.pending
	o.pending = nil
	o.queued = false

	o.current = next
	o.start(ctx, next)
}

// discard finalizes a package that will never be uploaded.
func (o *Orchestrator) discard(pkg *Package) {
	pkg.SetStatus(StatusError, "superseded before upload")
	pkg.ReleaseImage()
}

// Busy reports whether an upload is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.current != nil
}

// HasPending reports whether a package is waiting behind the in-flight one.
func (o *Orchestrator) HasPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.queued
}

// Close stops accepting packages, discards the waiting one, and waits for the
// in-flight upload to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	waiting := o.pending
	o.pending = nil
	o.queued = false
	o.mu.Unlock()

	if waiting != nil {
		o.discard(waiting)
	}

	o.wg.Wait()
}
