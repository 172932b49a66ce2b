// Package fault implements demand paging for a loaded image: the trap
// handler that materializes a segment page the first time it is touched.
//
// A fault inside a segment on a page that has not been materialized maps a
// fresh zero page, copies the file-backed part of the page from the backing
// store, and applies the segment's protection. Any other fault (outside
// every segment, or on a page already materialized) is a genuine access
// violation and goes to the previous trap handler.
package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/loader"
	"github.com/sarchlab/lazyload/tracker"
	"github.com/sarchlab/lazyload/vm"
)

// Mapper is the part of the address space the handler drives.
type Mapper interface {
	// Populate maps the range with prot and the initial contents src,
	// making the pages visible only once both are in place.
	Populate(addr, length uint64, src []byte, prot vm.Prot) error
	Lookup(addr uint64) (vm.Prot, bool)
}

// Source supplies file bytes for materialized pages.
type Source interface {
	// Bytes returns up to n bytes at off. A short result means the file
	// ended first.
	Bytes(off, n uint64) []byte
}

// Stats holds fault handler statistics.
type Stats struct {
	// Materialized is the number of pages mapped on first touch.
	Materialized uint64
	// BytesCopied is the number of bytes copied from the backing store.
	BytesCopied uint64
	// BytesZeroed is the number of materialized bytes left zero.
	BytesZeroed uint64
	// ForwardedOutside counts faults outside every segment.
	ForwardedOutside uint64
	// ForwardedViolations counts faults on pages already materialized.
	ForwardedViolations uint64
	// Spurious counts faults that raced with materialization of the same
	// page and found it already mapped.
	Spurious uint64
}

type segmentState struct {
	seg     loader.Segment
	mu      sync.Mutex
	tracker *tracker.Tracker
}

// Handler is the demand-paging trap handler for one image.
type Handler struct {
	segments []*segmentState
	source   Source
	mapper   Mapper
	forward  vm.TrapHandler
	log      *logrus.Entry

	materialized        atomic.Uint64
	bytesCopied         atomic.Uint64
	bytesZeroed         atomic.Uint64
	forwardedOutside    atomic.Uint64
	forwardedViolations atomic.Uint64
	spurious            atomic.Uint64
}

// Option is a functional option for configuring a Handler.
type Option func(*Handler)

// WithLogger sets the logger for materialization events.
func WithLogger(log *logrus.Entry) Option {
	return func(h *Handler) {
		h.log = log
	}
}

// WithForward sets the handler that receives faults this handler does not
// resolve. It defaults to vm.DefaultTrapHandler.
func WithForward(forward vm.TrapHandler) Option {
	return func(h *Handler) {
		h.forward = forward
	}
}

// New creates a handler for segments, with one tracker per segment sized
// for the segment's pages.
func New(segments []loader.Segment, source Source, mapper Mapper, opts ...Option) *Handler {
	h := &Handler{
		source:  source,
		mapper:  mapper,
		forward: vm.DefaultTrapHandler,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}

	for _, seg := range segments {
		h.segments = append(h.segments, &segmentState{
			seg:     seg,
			tracker: tracker.New(seg.Pages()),
		})
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// SetForward replaces the handler that receives unresolved faults.
func (h *Handler) SetForward(forward vm.TrapHandler) {
	if forward == nil {
		forward = vm.DefaultTrapHandler
	}
	h.forward = forward
}

// Classify returns the index of the first segment containing addr.
func (h *Handler) Classify(addr uint64) (int, bool) {
	for i, s := range h.segments {
		if s.seg.Contains(addr) {
			return i, true
		}
	}
	return -1, false
}

// HandleFault is a vm.TrapHandler. It returns nil when the faulting page
// was materialized, a *MaterializationError when materialization failed,
// and otherwise whatever the forward handler returns.
func (h *Handler) HandleFault(f vm.Fault) error {
	i, ok := h.Classify(f.Addr)
	if !ok {
		h.forwardedOutside.Add(1)
		return h.forward(f)
	}

	s := h.segments[i]
	page := (f.Addr - s.seg.VirtAddr) >> vm.PageShift

	s.mu.Lock()
	if s.tracker.IsMaterialized(page) {
		s.mu.Unlock()
		return h.violation(s, page, f)
	}

	op, err := h.materialize(i, s, page)
	s.mu.Unlock()

	if err != nil {
		return &MaterializationError{Fault: f, Segment: i, Page: page, Op: op, Err: err}
	}
	return nil
}

// violation handles a fault on a page that is already materialized.
func (h *Handler) violation(s *segmentState, page uint64, f vm.Fault) error {
	// Another accessor may have faulted on the page while it was being
	// materialized; the retry will now succeed.
	if f.Code == vm.CodeMapErr {
		if _, mapped := h.mapper.Lookup(f.Addr); mapped {
			h.spurious.Add(1)
			return nil
		}
	}

	h.forwardedViolations.Add(1)
	if h.debug() {
		h.log.WithFields(logrus.Fields{
			"addr": fmt.Sprintf("0x%x", f.Addr),
			"page": page,
			"perm": s.seg.Perm.String(),
		}).Debugf("%s on materialized page", f.Access)
	}

	return h.forward(f)
}

// materialize maps page of segment i. The caller holds s.mu. On failure it
// returns the step that failed.
//
// The page enters the address space already holding its file bytes and
// protection, so a concurrent accessor either faults and waits on s.mu or
// sees the finished page.
func (h *Handler) materialize(i int, s *segmentState, page uint64) (string, error) {
	seg := s.seg
	offset := page << vm.PageShift
	start := seg.VirtAddr + offset
	length := min(uint64(vm.PageSize), seg.MemSize-offset)

	var data []byte
	if seg.FileSize > offset {
		want := min(seg.FileSize-offset, length)
		data = h.source.Bytes(seg.FileOffset+offset, want)
		if uint64(len(data)) != want {
			return OpCopy, fmt.Errorf("short read from backing store: %d of %d bytes", len(data), want)
		}
	}

	if err := h.mapper.Populate(start, length, data, seg.Perm.Prot()); err != nil {
		if errors.Is(err, vm.ErrHostProtect) {
			return OpProtect, err
		}
		return OpMap, err
	}

	if !s.tracker.MarkMaterialized(page) {
		return OpTrack, fmt.Errorf("page %d is already tracked", page)
	}

	copied := uint64(len(data))
	zeroed := length - copied

	h.materialized.Add(1)
	h.bytesCopied.Add(copied)
	h.bytesZeroed.Add(zeroed)

	if h.debug() {
		h.log.WithFields(logrus.Fields{
			"addr":    fmt.Sprintf("0x%x", start),
			"segment": i,
			"page":    page,
			"copy":    copied,
			"zero":    zeroed,
		}).Debug("materialized page")
	}

	return "", nil
}

// debug reports whether debug logging is on, so the fault path builds log
// fields only when they are written.
func (h *Handler) debug() bool {
	return h.log.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// Stats returns handler statistics.
func (h *Handler) Stats() Stats {
	return Stats{
		Materialized:        h.materialized.Load(),
		BytesCopied:         h.bytesCopied.Load(),
		BytesZeroed:         h.bytesZeroed.Load(),
		ForwardedOutside:    h.forwardedOutside.Load(),
		ForwardedViolations: h.forwardedViolations.Load(),
		Spurious:            h.spurious.Load(),
	}
}

// Segments returns the number of segments the handler serves.
func (h *Handler) Segments() int {
	return len(h.segments)
}

// Resident returns the materialized page indexes of segment i.
func (h *Handler) Resident(i int) []uint64 {
	s := h.segments[i]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Pages()
}
