// Package wcs reports processed packages to the warehouse-control system over the
// same framed protocol the Controller link uses.
package wcs

import (
	"context"
	"fmt"

	"github.com/parcelworks/dws-station/frame"
	"github.com/parcelworks/dws-station/logger"
	"github.com/parcelworks/dws-station/plc"
	"github.com/parcelworks/dws-station/station"
)

// Reporter sends processed-package reports to the WCS over its own protocol client.
// It implements station.Reporter.
type Reporter struct {
	client   *plc.Client
	deviceNo string
	log      logger.Logger
}

// NewReporter creates a Reporter on top of an already-configured client.
func NewReporter(client *plc.Client, deviceNo string) *Reporter {
	return &Reporter{
		client:   client,
		deviceNo: deviceNo,
		log:      client.GetLogger(),
	}
}

// Report sends the package report and waits for the WCS ACK.
func (r *Reporter) Report(ctx context.Context, pkg *station.Package, imagePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := frame.EncodeBody(frame.WCSReport{
		DeviceNo:  r.deviceNo,
		PackageID: pkg.PackageID,
		Barcode:   pkg.Barcode,
		Barcode2:  pkg.Barcode2,
		Weight:    pkg.Weight,
		Length:    pkg.Length,
		Width:     pkg.Width,
		Height:    pkg.Height,
		ImagePath: imagePath,
		ScanTime:  uint64(pkg.CreatedAt.UnixMilli()),
	})
	if err != nil {
		return err
	}

	reply, err := r.client.Send(frame.TypeWCSReport, body, true)
	if err != nil {
		return err
	}

	var ack frame.Ack
	if err := frame.DecodeBody(reply, &ack); err != nil {
		return err
	}
	if !ack.OK() {
		return fmt.Errorf("WCS refused report: code %d", ack.Code)
	}

	r.log.Debug("package reported to WCS", "barcode", pkg.Barcode, "packageId", pkg.PackageID)

	return nil
}
