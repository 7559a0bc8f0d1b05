package peerwire

import (
	"context"
	"sync"
)

// OutboundQueue is one Connection's FIFO of encoded frames.
//
// Buffered bytes are those pushed and not yet confirmed written.
// Rising above the high-water mark signals high back-pressure
// once; draining below the low-water mark afterwards signals low
// once. Signals are advisory and nothing is ever dropped. With a
// positive cap, Push waits for room instead.
type OutboundQueue struct {
	mut sync.Mutex

	frames   [][]byte
	queued   int // bytes in frames
	inFlight int // bytes handed to the writer, not yet Done

	high int
	low  int
	cap  int

	highSignalled bool
	pendingSig    []bool // true: high, false: low
	dispatching   bool
	onHigh        func()
	onLow         func()

	ready  chan struct{}
	space  chan struct{} // closed and replaced whenever bytes drain
	closed bool
	gone   chan struct{}
}

// NewOutboundQueue makes a queue. onHigh and onLow may be nil.
// They are called in signal order, never concurrently, and
// without the queue lock held.
func NewOutboundQueue(high, low, cap int, onHigh, onLow func()) *OutboundQueue {
	if low > high {
		low = high
	}
	return &OutboundQueue{
		high:   high,
		low:    low,
		cap:    cap,
		onHigh: onHigh,
		onLow:  onLow,
		ready:  make(chan struct{}, 1),
		space:  make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (q *OutboundQueue) bufferedLocked() int {
	return q.queued + q.inFlight
}

// Buffered returns the bytes not yet written out.
func (q *OutboundQueue) Buffered() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return q.bufferedLocked()
}

// Len returns the number of frames waiting for the writer.
func (q *OutboundQueue) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.frames)
}

// Push appends frame. It only blocks when a cap is set and the
// queue is full; then ctx bounds the wait.
func (q *OutboundQueue) Push(ctx context.Context, frame []byte) error {
	q.mut.Lock()
	for {
		if q.closed {
			q.mut.Unlock()
			return ErrQueueClosed
		}
		b := q.bufferedLocked()
		if q.cap <= 0 || b == 0 || b+len(frame) <= q.cap {
			break
		}
		space := q.space
		q.mut.Unlock()
		select {
		case <-space:
		case <-q.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mut.Lock()
	}
	q.frames = append(q.frames, frame)
	q.queued += len(frame)
	if !q.highSignalled && q.bufferedLocked() > q.high {
		q.highSignalled = true
		q.pendingSig = append(q.pendingSig, true)
	}
	q.mut.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.dispatch()
	return nil
}

// prepend puts frames ahead of everything queued. Used when a
// replaced connection hands over its unsent traffic.
func (q *OutboundQueue) prepend(frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}
	q.mut.Lock()
	if q.closed {
		q.mut.Unlock()
		return ErrQueueClosed
	}
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	q.frames = append(append(make([][]byte, 0, len(frames)+len(q.frames)), frames...), q.frames...)
	q.queued += n
	if !q.highSignalled && q.bufferedLocked() > q.high {
		q.highSignalled = true
		q.pendingSig = append(q.pendingSig, true)
	}
	q.mut.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.dispatch()
	return nil
}

// Next hands the oldest frame to the writer, waiting until one
// is available. ok is false once stop fires or the queue closes.
// The writer must call Done(len(frame)) after writing it.
func (q *OutboundQueue) Next(stop <-chan struct{}) (frame []byte, ok bool) {
	for {
		q.mut.Lock()
		if q.closed {
			q.mut.Unlock()
			return nil, false
		}
		if len(q.frames) > 0 {
			frame = q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.queued -= len(frame)
			q.inFlight += len(frame)
			q.mut.Unlock()
			return frame, true
		}
		q.mut.Unlock()

		select {
		case <-q.ready:
		case <-q.gone:
			return nil, false
		case <-stop:
			return nil, false
		}
	}
}

// Done records that n bytes from Next have been written.
func (q *OutboundQueue) Done(n int) {
	q.mut.Lock()
	q.inFlight -= n
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	if q.highSignalled && q.bufferedLocked() < q.low {
		q.highSignalled = false
		q.pendingSig = append(q.pendingSig, false)
	}
	close(q.space)
	q.space = make(chan struct{})
	q.mut.Unlock()
	q.dispatch()
}

// closeAndDrain closes the queue and returns what was never
// handed to the writer, oldest first.
func (q *OutboundQueue) closeAndDrain() (frames [][]byte) {
	q.mut.Lock()
	defer q.mut.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	frames = q.frames
	q.frames = nil
	q.queued = 0
	close(q.gone)
	return
}

// Close discards anything unsent.
func (q *OutboundQueue) Close() {
	q.closeAndDrain()
}

// dispatch runs queued signals in order. Whoever finds no
// dispatcher active becomes it; re-entrant calls just return.
func (q *OutboundQueue) dispatch() {
	q.mut.Lock()
	if q.dispatching || len(q.pendingSig) == 0 {
		q.mut.Unlock()
		return
	}
	q.dispatching = true
	for len(q.pendingSig) > 0 {
		high := q.pendingSig[0]
		q.pendingSig = q.pendingSig[1:]
		q.mut.Unlock()
		if high {
			if q.onHigh != nil {
				q.onHigh()
			}
		} else if q.onLow != nil {
			q.onLow()
		}
		q.mut.Lock()
	}
	q.dispatching = false
	q.mut.Unlock()
}
