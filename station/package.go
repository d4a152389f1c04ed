package station

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle status of a Package.
type Status int

// Package statuses. Rejected and Timeout are expected business outcomes, not errors.
const (
	StatusCreated Status = iota
	StatusSuccess
	StatusError
	StatusRejected
	StatusTimeout
)

// String returns string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusRejected:
		return "rejected"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is a terminal outcome.
func (s Status) IsTerminal() bool { return s != StatusCreated }

// ImageRef is an opaque handle to a captured image resource. Release frees the
// underlying resource; whoever finishes with a Package must release its image
// exactly once, on every exit path.
type ImageRef interface {
	Release()
}

// Package is the unit of work flowing through the station: one physical parcel with
// its scanned barcode(s), fused weight and dimensions, and the captured image.
//
// A Package is exclusively owned by whichever stage currently holds it.
type Package struct {
	Barcode  string
	Barcode2 string // paired barcode, empty for singletons

	Weight float64 // kg
	Length float64
	Width  float64
	Height float64

	Index     int64 // monotonically assigned processing index
	CreatedAt time.Time

	// PackageID is the final identifier assigned by the Controller on success.
	PackageID int64

	image    ImageRef
	released atomic.Bool

	mu        sync.Mutex
	status    Status
	statusMsg string
}

// NewPackage creates a Package in the Created state owning the given image.
func NewPackage(barcode string, createdAt time.Time, image ImageRef) *Package {
	return &Package{
		Barcode:   barcode,
		CreatedAt: createdAt,
		image:     image,
		status:    StatusCreated,
	}
}

// Image returns the package's image handle, or nil after release.
func (p *Package) Image() ImageRef {
	if p.released.Load() {
		return nil
	}
	return p.image
}

// ReleaseImage releases the package's image resource. It is safe to call multiple
// times; the underlying Release runs at most once.
func (p *Package) ReleaseImage() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if p.image != nil {
		p.image.Release()
	}
}

// ImageReleased reports whether the image resource has been released.
func (p *Package) ImageReleased() bool { return p.released.Load() }

// SetStatus records a terminal (or intermediate) status with a human-readable message.
func (p *Package) SetStatus(status Status, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = status
	p.statusMsg = msg
}

// Annotate appends a note to the status message without changing the status
// classification. Used for downstream hand-off failures on successful packages.
func (p *Package) Annotate(note string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statusMsg == "" {
		p.statusMsg = note
		return
	}
	p.statusMsg += "; " + note
}

// Status returns the current status and its message.
func (p *Package) Status() (Status, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status, p.statusMsg
}
