package station

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parcelworks/dws-station/logger"
)

// PairingMode selects which scan events the station accepts and how scans of one
// physical package are paired.
type PairingMode int

const (
	// MultiBarcode pairs every event sharing a prefix within the pairing window.
	MultiBarcode PairingMode = iota
	// ParentBarcode keeps only barcodes matching the parent pattern.
	ParentBarcode
	// ChildBarcode keeps only barcodes that do not match the parent pattern.
	ChildBarcode
)

// String returns string representation of the pairing mode.
func (m PairingMode) String() string {
	switch m {
	case MultiBarcode:
		return "multi"
	case ParentBarcode:
		return "parent"
	case ChildBarcode:
		return "child"
	default:
		return "unknown"
	}
}

// PairingSuffixMark is the marker that distinguishes the second ("suffix") scan of a
// physical package. Events sharing the barcode text before this marker are pairing
// candidates.
const PairingSuffixMark = "-1-1-"

// NoReadBarcode is the sentinel the camera emits when it could not decode a barcode.
const NoReadBarcode = "noread"

// Grouper defaults.
const (
	DefaultPairWindow    = 500 * time.Millisecond
	DefaultPairMarkerTTL = 15 * time.Second
)

// GrouperConfig configures a Grouper.
type GrouperConfig struct {
	// Mode selects the pairing mode. Defaults to MultiBarcode.
	Mode PairingMode

	// ParentPattern is the structural pattern identifying parent barcodes; required
	// for the ParentBarcode and ChildBarcode modes.
	ParentPattern *regexp.Regexp

	// Window is the sliding pairing window per prefix. Defaults to 500ms.
	Window time.Duration

	// MarkerTTL is the maximum age of a pairing-timeout marker, after which a late
	// partner is no longer recognized. Defaults to 15s.
	MarkerTTL time.Duration

	Logger logger.Logger
}

// Grouper buckets incoming scan events by their pairing prefix, waits up to the
// pairing window for a partner, and emits merged or singleton packages to its sink.
//
// A prefix whose pairing did not complete in time gets a timeout marker; the late
// half arriving afterwards (within MarkerTTL) is recognized and discarded rather
// than forwarded as a spurious package.
type Grouper struct {
	cfg  GrouperConfig
	sink func(*Package)
	log  logger.Logger

	mu      sync.Mutex
	buckets map[string]*pairBucket
	closed  bool

	// timedOut maps prefix -> time the pairing window expired with a single event.
	timedOut *xsync.MapOf[string, time.Time]

	index atomic.Int64 // process-wide package index
}

type pairBucket struct {
	events []ScanEvent
	timer  *time.Timer
}

// NewGrouper creates a Grouper delivering packages to sink.
func NewGrouper(cfg GrouperConfig, sink func(*Package)) *Grouper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultPairWindow
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = DefaultPairMarkerTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	return &Grouper{
		cfg:      cfg,
		sink:     sink,
		log:      cfg.Logger,
		buckets:  make(map[string]*pairBucket),
		timedOut: xsync.NewMapOf[string, time.Time](),
	}
}

// Prefix returns the pairing prefix of a barcode: the text before the pairing suffix
// marker, or the whole barcode when the marker is absent.
func Prefix(barcode string) string {
	if i := strings.Index(barcode, PairingSuffixMark); i >= 0 {
		return barcode[:i]
	}
	return barcode
}

// hasSuffixMark reports whether the barcode carries the pairing suffix marker.
func hasSuffixMark(barcode string) bool {
	return strings.Contains(barcode, PairingSuffixMark)
}

// Offer feeds one scan event into the engine. Filtered events have their image
// released immediately.
func (g *Grouper) Offer(ev ScanEvent) {
	if !g.accept(ev.Barcode) {
		releaseImage(ev.Image)
		return
	}

	prefix := Prefix(ev.Barcode)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		releaseImage(ev.Image)

		return
	}

	b, ok := g.buckets[prefix]
	if !ok {
		b = &pairBucket{}
		b.timer = time.AfterFunc(g.cfg.Window, func() { g.windowExpired(prefix) })
		g.buckets[prefix] = b
	}
	b.events = append(b.events, ev)

	if len(b.events) < 2 {
		g.mu.Unlock()
		return
	}

	// partner arrived before the window expired: flush immediately
	b.timer.Stop()
	delete(g.buckets, prefix)
	events := b.events
	g.mu.Unlock()

	g.closeWindow(prefix, events)
}

// accept applies the empty/no-read filter and the pairing mode filter.
func (g *Grouper) accept(barcode string) bool {
	if barcode == "" || strings.EqualFold(barcode, NoReadBarcode) {
		return false
	}

	switch g.cfg.Mode {
	case ParentBarcode:
		return g.cfg.ParentPattern != nil && g.cfg.ParentPattern.MatchString(barcode)
	case ChildBarcode:
		return g.cfg.ParentPattern == nil || !g.cfg.ParentPattern.MatchString(barcode)
	default:
		return true
	}
}

// windowExpired is the timer callback for a prefix whose window elapsed.
func (g *Grouper) windowExpired(prefix string) {
	g.mu.Lock()
	b, ok := g.buckets[prefix]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.buckets, prefix)
	events := b.events
	g.mu.Unlock()

	g.closeWindow(prefix, events)
}

// closeWindow settles one prefix window: discard a late pair half, merge a completed
// pair, or forward a singleton (recording a timeout marker in MultiBarcode mode).
func (g *Grouper) closeWindow(prefix string, events []ScanEvent) {
	g.evictStaleMarkers()

	if len(events) == 1 {
		if markedAt, ok := g.timedOut.Load(prefix); ok && time.Since(markedAt) < g.cfg.MarkerTTL {
			// late half of an already-timed-out pair
			g.timedOut.Delete(prefix)
			releaseImage(events[0].Image)
			g.log.Debug("late pair half discarded", "prefix", prefix, "barcode", events[0].Barcode)

			return
		}
	}

	var pkg *Package

	switch {
	case len(events) >= 2 && g.cfg.Mode == MultiBarcode:
		g.timedOut.Delete(prefix)
		pkg = mergePair(events[0], events[1])
		releaseExtra(events[2:])

	case len(events) >= 2:
		// ParentBarcode/ChildBarcode: the entry filter already enforces the mode
		// rule, so every buffered event matches it; keep the first, drop the rest.
		pkg = packageFromEvent(events[0])
		releaseExtra(events[1:])

	case g.cfg.Mode == MultiBarcode:
		// pairing did not complete in time: remember the prefix so the late half
		// can be discarded, but forward the singleton anyway
		g.timedOut.Store(prefix, time.Now())
		pkg = packageFromEvent(events[0])

	default:
		// singletons are expected and normal in ParentBarcode/ChildBarcode mode
		pkg = packageFromEvent(events[0])
	}

	pkg.Index = g.index.Add(1)
	g.sink(pkg)
}

// evictStaleMarkers opportunistically drops timeout markers older than MarkerTTL.
func (g *Grouper) evictStaleMarkers() {
	now := time.Now()
	g.timedOut.Range(func(prefix string, markedAt time.Time) bool {
		if now.Sub(markedAt) >= g.cfg.MarkerTTL {
			g.timedOut.Delete(prefix)
		}
		return true
	})
}

// mergePair merges the two halves of a paired scan into one Package.
//
// The event whose barcode lacks the pairing suffix is the base; the other is the
// suffix event. The merged barcode joins the base prefix and the suffix barcode
// with a comma. Measurements prefer the base's non-zero values; the unused image is
// released immediately.
func mergePair(a, b ScanEvent) *Package {
	base, suffix := a, b
	if hasSuffixMark(a.Barcode) && !hasSuffixMark(b.Barcode) {
		base, suffix = b, a
	}

	pkg := NewPackage(Prefix(base.Barcode)+","+suffix.Barcode, base.Time, base.Image)
	pkg.Barcode2 = suffix.Barcode

	pkg.Weight = pickNonZero(base.Weight, suffix.Weight)
	pkg.Length = pickNonZero(base.Length, suffix.Length)
	pkg.Width = pickNonZero(base.Width, suffix.Width)
	pkg.Height = pickNonZero(base.Height, suffix.Height)

	if base.Image == nil && suffix.Image != nil {
		pkg.image = suffix.Image
	} else {
		releaseImage(suffix.Image)
	}

	return pkg
}

func packageFromEvent(ev ScanEvent) *Package {
	pkg := NewPackage(ev.Barcode, ev.Time, ev.Image)
	pkg.Weight = ev.Weight
	pkg.Length = ev.Length
	pkg.Width = ev.Width
	pkg.Height = ev.Height

	return pkg
}

func pickNonZero(base, fallback float64) float64 {
	if base != 0 {
		return base
	}
	return fallback
}

func releaseImage(img ImageRef) {
	if img != nil {
		img.Release()
	}
}

func releaseExtra(events []ScanEvent) {
	for _, ev := range events {
		releaseImage(ev.Image)
	}
}

// Close stops all pending windows and releases every buffered event's image.
// Offer calls after Close release the event's image and drop it.
func (g *Grouper) Close() {
	g.mu.Lock()
	g.closed = true
	buckets := g.buckets
	g.buckets = make(map[string]*pairBucket)
	g.mu.Unlock()

	for _, b := range buckets {
		b.timer.Stop()
		releaseExtra(b.events)
	}
}
