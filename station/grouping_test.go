package station

import (
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeImage struct {
	released atomic.Int32
}

func (f *fakeImage) Release() { f.released.Add(1) }

func collectGrouper(cfg GrouperConfig) (*Grouper, chan *Package) {
	out := make(chan *Package, 16)
	g := NewGrouper(cfg, func(pkg *Package) { out <- pkg })

	return g, out
}

func waitPackage(t *testing.T, out chan *Package, timeout time.Duration) *Package {
	t.Helper()

	select {
	case pkg := <-out:
		return pkg
	case <-time.After(timeout):
		t.Fatal("no package emitted")
		return nil
	}
}

func requireNoPackage(t *testing.T, out chan *Package, within time.Duration) {
	t.Helper()

	select {
	case pkg := <-out:
		t.Fatalf("unexpected package emitted: %s", pkg.Barcode)
	case <-time.After(within):
	}
}

func TestGrouperPairMerge(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 200 * time.Millisecond})
	defer g.Close()

	baseImg := &fakeImage{}
	suffixImg := &fakeImage{}

	g.Offer(ScanEvent{Barcode: "PKG100", Time: time.Now(), Weight: 1.2, Length: 30, Image: baseImg})
	g.Offer(ScanEvent{Barcode: "PKG100-1-1-A", Time: time.Now(), Weight: 9.9, Width: 20, Image: suffixImg})

	// both halves present: the pair closes before the window elapses
	pkg := waitPackage(t, out, 100*time.Millisecond)
	require.Equal("PKG100,PKG100-1-1-A", pkg.Barcode)
	require.Equal("PKG100-1-1-A", pkg.Barcode2)

	// base measurements win where present, suffix fills the gaps
	require.Equal(1.2, pkg.Weight)
	require.Equal(30.0, pkg.Length)
	require.Equal(20.0, pkg.Width)

	// the unused half's image is released, the kept one is not
	require.Equal(int32(1), suffixImg.released.Load())
	require.Zero(baseImg.released.Load())
	require.False(pkg.ImageReleased())
}

func TestGrouperPairOrderIndependent(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 200 * time.Millisecond})
	defer g.Close()

	// suffix half arrives first
	g.Offer(ScanEvent{Barcode: "PKG200-1-1-B", Time: time.Now(), Weight: 2.5})
	g.Offer(ScanEvent{Barcode: "PKG200", Time: time.Now()})

	pkg := waitPackage(t, out, 100*time.Millisecond)
	require.Equal("PKG200,PKG200-1-1-B", pkg.Barcode)
	require.Equal(2.5, pkg.Weight) // base had none, suffix fills in
}

func TestGrouperSingletonTimeout(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 50 * time.Millisecond})
	defer g.Close()

	g.Offer(ScanEvent{Barcode: "PKG300", Time: time.Now(), Weight: 3.0})

	// the window elapses with no partner; the singleton is forwarded anyway
	pkg := waitPackage(t, out, time.Second)
	require.Equal("PKG300", pkg.Barcode)
	require.Empty(pkg.Barcode2)
	require.Equal(3.0, pkg.Weight)
}

func TestGrouperLateHalfDiscarded(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 50 * time.Millisecond})
	defer g.Close()

	g.Offer(ScanEvent{Barcode: "PKG400", Time: time.Now()})
	waitPackage(t, out, time.Second) // singleton forwarded after the window

	// the partner shows up late; it is recognized by the timeout marker and dropped
	lateImg := &fakeImage{}
	g.Offer(ScanEvent{Barcode: "PKG400-1-1-C", Time: time.Now(), Image: lateImg})

	requireNoPackage(t, out, 300*time.Millisecond)
	require.Equal(int32(1), lateImg.released.Load())
}

func TestGrouperMarkerExpires(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 30 * time.Millisecond, MarkerTTL: 50 * time.Millisecond})
	defer g.Close()

	g.Offer(ScanEvent{Barcode: "PKG500", Time: time.Now()})
	waitPackage(t, out, time.Second)

	// past the marker TTL the late half counts as a new package
	time.Sleep(100 * time.Millisecond)
	g.Offer(ScanEvent{Barcode: "PKG500-1-1-D", Time: time.Now()})

	pkg := waitPackage(t, out, time.Second)
	require.Equal("PKG500-1-1-D", pkg.Barcode)
}

func TestGrouperFiltersNoRead(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 30 * time.Millisecond})
	defer g.Close()

	img1 := &fakeImage{}
	img2 := &fakeImage{}
	g.Offer(ScanEvent{Barcode: "", Time: time.Now(), Image: img1})
	g.Offer(ScanEvent{Barcode: "NoRead", Time: time.Now(), Image: img2})

	requireNoPackage(t, out, 150*time.Millisecond)
	require.Equal(int32(1), img1.released.Load())
	require.Equal(int32(1), img2.released.Load())
}

func TestGrouperModes(t *testing.T) {
	pattern := regexp.MustCompile(`^P`)

	t.Run("parent keeps only matches", func(t *testing.T) {
		require := require.New(t)

		g, out := collectGrouper(GrouperConfig{
			Mode:          ParentBarcode,
			ParentPattern: pattern,
			Window:        30 * time.Millisecond,
		})
		defer g.Close()

		childImg := &fakeImage{}
		g.Offer(ScanEvent{Barcode: "C123", Time: time.Now(), Image: childImg})
		g.Offer(ScanEvent{Barcode: "P123", Time: time.Now()})

		pkg := waitPackage(t, out, time.Second)
		require.Equal("P123", pkg.Barcode)
		require.Equal(int32(1), childImg.released.Load())

		requireNoPackage(t, out, 100*time.Millisecond)
	})

	t.Run("child keeps only non-matches", func(t *testing.T) {
		require := require.New(t)

		g, out := collectGrouper(GrouperConfig{
			Mode:          ChildBarcode,
			ParentPattern: pattern,
			Window:        30 * time.Millisecond,
		})
		defer g.Close()

		g.Offer(ScanEvent{Barcode: "P123", Time: time.Now()})
		g.Offer(ScanEvent{Barcode: "C123", Time: time.Now()})

		pkg := waitPackage(t, out, time.Second)
		require.Equal("C123", pkg.Barcode)
	})
}

func TestGrouperIndexMonotonic(t *testing.T) {
	require := require.New(t)

	g, out := collectGrouper(GrouperConfig{Window: 20 * time.Millisecond})
	defer g.Close()

	var last int64
	for _, bc := range []string{"A1", "A2", "A3"} {
		g.Offer(ScanEvent{Barcode: bc, Time: time.Now()})

		pkg := waitPackage(t, out, time.Second)
		require.Equal(bc, pkg.Barcode)
		require.Greater(pkg.Index, last)
		last = pkg.Index
	}
}

func TestGrouperCloseReleasesBuffered(t *testing.T) {
	require := require.New(t)

	g, _ := collectGrouper(GrouperConfig{Window: 10 * time.Second})

	img := &fakeImage{}
	g.Offer(ScanEvent{Barcode: "PKG600", Time: time.Now(), Image: img})

	g.Close()
	require.Equal(int32(1), img.released.Load())

	// offers after close are dropped with the image released
	late := &fakeImage{}
	g.Offer(ScanEvent{Barcode: "PKG601", Time: time.Now(), Image: late})
	require.Equal(int32(1), late.released.Load())
}
