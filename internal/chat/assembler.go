package chat

import (
	"sort"
	"sync"
	"time"
)

type AssemblerState string

const (
	AssemblerEmpty     AssemblerState = "empty"
	AssemblerStreaming AssemblerState = "streaming"
	AssemblerSettled   AssemblerState = "settled"
)

// StreamSegmentAssembler folds the interleaved fragments of one streaming
// message into an order-stable timeline. Fragments carry a monotonic order
// key assigned at arrival; the rendered sequence is always the sort by that
// key, regardless of arrival order. Adjacent text fragments from the same run
// are coalesced into one segment rather than one segment per fragment.
type StreamSegmentAssembler struct {
	mu       sync.Mutex
	state    AssemblerState
	segments []ContentSegment
	content  string

	// lastOrder tracks the highest order seen so trailing text appends can
	// be distinguished from late out-of-order fragments.
	lastOrder     int
	settleTimer   *Debouncer
	settlePending bool
	onSettled     func()
}

func NewStreamSegmentAssembler(settleDelay time.Duration) *StreamSegmentAssembler {
	return &StreamSegmentAssembler{
		state:       AssemblerEmpty,
		settleTimer: NewDebouncer(settleDelay),
		lastOrder:   -1,
	}
}

func (a *StreamSegmentAssembler) State() AssemblerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AddText ingests a text fragment. When the fragment extends the trailing
// text segment (its order follows everything seen so far and no tool segment
// has interleaved), it is concatenated into that segment; otherwise it opens
// a new segment placed by order.
func (a *StreamSegmentAssembler) AddText(order int, text string, ts time.Time) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.state = AssemblerStreaming

	start := len(a.content)
	a.content += text

	trailing := a.trailingSegment()
	if trailing != nil && trailing.Kind == SegmentText && order > a.lastOrder {
		trailing.Text += text
		trailing.EndPos = start + len(text)
	} else {
		a.insertSegment(ContentSegment{
			Kind:      SegmentText,
			Order:     order,
			Text:      text,
			StartPos:  start,
			EndPos:    start + len(text),
			Timestamp: ts,
		})
	}
	if order > a.lastOrder {
		a.lastOrder = order
	}
	a.mu.Unlock()
	a.absorbTrailingEvent()
}

// AddTool ingests a tool fragment, which always opens its own segment.
func (a *StreamSegmentAssembler) AddTool(order int, toolCallID string, ts time.Time) {
	a.mu.Lock()
	a.state = AssemblerStreaming
	a.insertSegment(ContentSegment{
		Kind:       SegmentTool,
		Order:      order,
		ToolCallID: toolCallID,
		Timestamp:  ts,
	})
	if order > a.lastOrder {
		a.lastOrder = order
	}
	a.mu.Unlock()
	a.absorbTrailingEvent()
}

// trailingSegment returns the segment with the greatest order, or nil.
func (a *StreamSegmentAssembler) trailingSegment() *ContentSegment {
	if len(a.segments) == 0 {
		return nil
	}
	return &a.segments[len(a.segments)-1]
}

// insertSegment keeps a.segments sorted by order at all times, so the render
// projection never depends on arrival order.
func (a *StreamSegmentAssembler) insertSegment(seg ContentSegment) {
	idx := sort.Search(len(a.segments), func(i int) bool {
		return a.segments[i].Order > seg.Order
	})
	a.segments = append(a.segments, ContentSegment{})
	copy(a.segments[idx+1:], a.segments[idx:])
	a.segments[idx] = seg
}

// Segments returns the timeline sorted by order. This projection holds both
// while streaming and after settling; it is never reconstructed from the
// plain content string.
func (a *StreamSegmentAssembler) Segments() []ContentSegment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ContentSegment, len(a.segments))
	copy(out, a.segments)
	return out
}

// Content returns the concatenated text in arrival order.
func (a *StreamSegmentAssembler) Content() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.content
}

// Settle schedules the streaming→settled transition a short delay from now,
// absorbing trailing events: any fragment arriving before the delay elapses
// pushes the transition out again. Call once the owning request's loading
// flag clears. fn runs after the transition, outside the lock.
func (a *StreamSegmentAssembler) Settle(fn func()) {
	a.mu.Lock()
	a.settlePending = true
	a.onSettled = fn
	a.mu.Unlock()
	a.scheduleSettle()
}

func (a *StreamSegmentAssembler) absorbTrailingEvent() {
	a.mu.Lock()
	pending := a.settlePending
	a.mu.Unlock()
	if pending {
		a.scheduleSettle()
	}
}

func (a *StreamSegmentAssembler) scheduleSettle() {
	a.settleTimer.Debounce(func() {
		a.mu.Lock()
		a.state = AssemblerSettled
		a.settlePending = false
		fn := a.onSettled
		a.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
