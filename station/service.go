package station

import (
	"context"

	"github.com/parcelworks/dws-station/logger"
)

// Station ties the scan stream to the pairing engine and the upload orchestrator,
// fusing in weight-scale measurements where the camera did not provide one.
type Station struct {
	scans   ScanSource
	weights WeightService
	grouper *Grouper
	orch    *Orchestrator
	log     logger.Logger
}

// NewStation assembles a Station. weights may be nil when the camera delivers
// weight inline.
func NewStation(scans ScanSource, weights WeightService, grouper *Grouper, orch *Orchestrator, log logger.Logger) *Station {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Station{
		scans:   scans,
		weights: weights,
		grouper: grouper,
		orch:    orch,
		log:     log,
	}
}

// Run consumes the scan stream until ctx is done or the source closes, then shuts
// down the pairing engine and waits for the in-flight upload to finish.
func (s *Station) Run(ctx context.Context) error {
	defer func() {
		s.grouper.Close()
		s.orch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("station stopping", "reason", ctx.Err())
			return ctx.Err()

		case ev, ok := <-s.scans.Scans():
			if !ok {
				s.log.Info("scan source closed")
				return nil
			}

			if ev.Weight == 0 && s.weights != nil {
				ev.Weight = s.weights.NearestWeight(ev.Time)
			}

			s.grouper.Offer(ev)
		}
	}
}
