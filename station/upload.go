package station

import (
	"context"
	"errors"
	"time"

	"github.com/parcelworks/dws-station/frame"
	"github.com/parcelworks/dws-station/logger"
)

// DefaultResultTimeout bounds the wait for the Controller's asynchronous load result
// after an accepted upload.
const DefaultResultTimeout = 30 * time.Second

// Uploader runs one package through the upload state machine:
//
//	device-status gate -> upload request -> ACK -> load result -> post-processing
//
// Every exit path records a terminal status on the package and releases its image.
type Uploader struct {
	ctrl     Controller
	store    ImageStore
	reporter Reporter

	resultTimeout time.Duration
	log           logger.Logger
}

// NewUploader creates an Uploader. store and reporter may be nil, disabling the
// corresponding post-processing step.
func NewUploader(ctrl Controller, store ImageStore, reporter Reporter, resultTimeout time.Duration, log logger.Logger) *Uploader {
	if resultTimeout <= 0 {
		resultTimeout = DefaultResultTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &Uploader{
		ctrl:          ctrl,
		store:         store,
		reporter:      reporter,
		resultTimeout: resultTimeout,
		log:           log,
	}
}

// Run drives pkg to a terminal status. It always returns with the package's image
// released.
func (u *Uploader) Run(ctx context.Context, pkg *Package) {
	defer pkg.ReleaseImage()

	if status := u.ctrl.DeviceStatus(); status != frame.DeviceStatusNormal {
		u.finish(pkg, StatusError, "device status abnormal")
		return
	}

	req := frame.UploadRequest{
		Weight:   pkg.Weight,
		Length:   pkg.Length,
		Width:    pkg.Width,
		Height:   pkg.Height,
		Barcode:  pkg.Barcode,
		Barcode2: pkg.Barcode2,
		ScanTime: uint64(pkg.CreatedAt.UnixMilli()),
	}

	ack, err := u.ctrl.Upload(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			u.finish(pkg, StatusError, "upload canceled")
		} else {
			u.finish(pkg, StatusError, "PLC communication error: "+err.Error())
		}

		return
	}

	if !ack.Accepted() {
		u.finish(pkg, StatusRejected, "upload rejected by controller")
		return
	}

	resCtx, cancel := context.WithTimeout(ctx, u.resultTimeout)
	res, err := u.ctrl.WaitResult(resCtx, ack.Sequence)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			u.finish(pkg, StatusTimeout, "no load result from controller")
		} else {
			u.finish(pkg, StatusError, "upload canceled")
		}

		return
	}

	if !res.Success {
		u.finish(pkg, StatusTimeout, "controller reported load timeout")
		return
	}

	pkg.PackageID = res.PackageID
	u.finish(pkg, StatusSuccess, "")
	u.postProcess(ctx, pkg)
}

// finish records the terminal status and logs the outcome.
func (u *Uploader) finish(pkg *Package, status Status, msg string) {
	pkg.SetStatus(status, msg)

	switch status {
	case StatusSuccess:
		u.log.Info("package uploaded",
			"barcode", pkg.Barcode, "index", pkg.Index, "packageId", pkg.PackageID)
	case StatusRejected, StatusTimeout:
		u.log.Warn("package not loaded",
			"barcode", pkg.Barcode, "index", pkg.Index, "status", status.String(), "reason", msg)
	default:
		u.log.Error("package upload failed",
			"barcode", pkg.Barcode, "index", pkg.Index, "reason", msg)
	}
}

// postProcess persists the image and reports the package downstream. Failures here
// are annotated on the package but do not change its success classification.
func (u *Uploader) postProcess(ctx context.Context, pkg *Package) {
	var imagePath string

	if u.store != nil && pkg.Image() != nil {
		path, err := u.store.Save(pkg.Image(), pkg.Barcode, pkg.CreatedAt)
		if err != nil {
			pkg.Annotate("image save failed: " + err.Error())
			u.log.Error("image save failed", "barcode", pkg.Barcode, "error", err)
		} else {
			imagePath = path
		}
	}

	if u.reporter != nil {
		if err := u.reporter.Report(ctx, pkg, imagePath); err != nil {
			pkg.Annotate("WCS report failed: " + err.Error())
			u.log.Error("WCS report failed", "barcode", pkg.Barcode, "error", err)
		}
	}
}
