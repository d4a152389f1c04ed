package station

import (
	"context"
	"time"

	"github.com/parcelworks/dws-station/frame"
)

// ScanEvent is one barcode read delivered by the camera service, optionally carrying
// measurements captured alongside it.
type ScanEvent struct {
	Barcode string
	Time    time.Time

	Weight float64
	Length float64
	Width  float64
	Height float64

	Image ImageRef
}

// ScanSource delivers the stream of scan events. The channel is closed when the
// camera service shuts down.
type ScanSource interface {
	Scans() <-chan ScanEvent
}

// WeightService exposes the weight scale: NearestWeight returns the measured weight
// closest in time to t, in kg. Zero means no measurement is available.
type WeightService interface {
	NearestWeight(t time.Time) float64
}

// ImageStore persists a captured image and returns its path.
type ImageStore interface {
	Save(img ImageRef, barcode string, t time.Time) (string, error)
}

// Reporter reports a successfully loaded package to the warehouse-control system.
type Reporter interface {
	Report(ctx context.Context, pkg *Package, imagePath string) error
}

// Controller is the package-handling device the station negotiates uploads with.
// PLCController adapts a plc.Client to this interface; tests substitute fakes.
type Controller interface {
	// DeviceStatus returns the last known device status without contacting the
	// device (frame.DeviceStatusNormal when healthy).
	DeviceStatus() int

	// Upload sends an upload negotiation request and waits for the Controller's ACK.
	// The returned ack carries the accepted/rejected flag and the sequence used to
	// correlate the later asynchronous result.
	Upload(ctx context.Context, req frame.UploadRequest) (frame.UploadAck, error)

	// WaitResult blocks until the Controller pushes the load result for the given
	// accepted sequence, or ctx is done.
	WaitResult(ctx context.Context, seq uint32) (frame.UploadResult, error)
}
