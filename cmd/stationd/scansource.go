package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/parcelworks/dws-station/logger"
	"github.com/parcelworks/dws-station/station"
)

// scanRecord is one newline-delimited JSON record pushed by the camera service.
type scanRecord struct {
	Barcode  string  `json:"barcode"`
	Weight   float64 `json:"weight"`
	Length   float64 `json:"length"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	ScanTime int64   `json:"scanTime"` // milliseconds since epoch, 0 = now
	Image    string  `json:"image"`    // base64 JPEG, optional
}

// scanListener accepts camera-service connections and converts their JSON records
// into scan events. It implements station.ScanSource.
type scanListener struct {
	ln  net.Listener
	out chan station.ScanEvent
	log logger.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newScanListener(ctx context.Context, addr string, log logger.Logger) (*scanListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &scanListener{
		ln:  ln,
		out: make(chan station.ScanEvent, 16),
		log: log,
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return s, nil
}

// Scans returns the scan event stream.
func (s *scanListener) Scans() <-chan station.ScanEvent { return s.out }

func (s *scanListener) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("camera listener accept failed", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go s.readLoop(ctx, conn)
	}
}

func (s *scanListener) readLoop(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close() //nolint:errcheck

	s.log.Info("camera connected", "remote", conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		var rec scanRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.log.Warn("malformed scan record dropped", "error", err)
			continue
		}

		ev := station.ScanEvent{
			Barcode: rec.Barcode,
			Time:    time.Now(),
			Weight:  rec.Weight,
			Length:  rec.Length,
			Width:   rec.Width,
			Height:  rec.Height,
		}
		if rec.ScanTime > 0 {
			ev.Time = time.UnixMilli(rec.ScanTime)
		}
		if rec.Image != "" {
			data, err := base64.StdEncoding.DecodeString(rec.Image)
			if err != nil {
				s.log.Warn("undecodable scan image dropped", "barcode", rec.Barcode, "error", err)
			} else {
				ev.Image = &imageBuffer{data: data}
			}
		}

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Warn("camera connection read failed", "error", err)
	}
	s.log.Info("camera disconnected", "remote", conn.RemoteAddr().String())
}

// Close stops the listener and closes the event stream once all connection readers
// have exited.
func (s *scanListener) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		go func() {
			s.wg.Wait()
			close(s.out)
		}()
	})

	return err
}
