package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/parcelworks/dws-station/station"
)

// imageBuffer is an in-memory captured image. Release drops the payload so the
// memory can be reclaimed even while the surrounding Package lingers.
type imageBuffer struct {
	data []byte
}

func (b *imageBuffer) Release() { b.data = nil }

// diskImageStore writes images under a per-day directory with uuid filenames.
type diskImageStore struct {
	root string
}

func newDiskImageStore(root string) (*diskImageStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &diskImageStore{root: root}, nil
}

// Save persists the image and returns the path it was written to.
func (s *diskImageStore) Save(img station.ImageRef, barcode string, t time.Time) (string, error) {
	buf, ok := img.(*imageBuffer)
	if !ok || len(buf.data) == 0 {
		return "", fmt.Errorf("no image data for %q", barcode)
	}

	dir := filepath.Join(s.root, t.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, buf.data, 0o644); err != nil {
		return "", err
	}

	return path, nil
}
