package events

import (
	"errors"
	"sync"
	"time"

	"github.com/msageha/mihari/internal/model"
)

const (
	// DefaultBacklog is the default number of events retained for replay.
	DefaultBacklog = 4096
	// DefaultQueueSize is the default per-subscriber channel capacity.
	DefaultQueueSize = 256
)

// ErrClosed is returned by Subscribe after the broadcaster has shut down.
var ErrClosed = errors.New("broadcaster closed")

// Broadcaster fans published events out to any number of subscribers without
// ever blocking the publisher. A bounded ring retains recent events so late
// or reconnecting subscribers can replay from a sequence number. A
// subscriber that falls behind loses events instead of stalling the run;
// when its queue frees up it first receives a gap event naming exactly what
// it missed.
type Broadcaster struct {
	mu      sync.Mutex
	runID   model.RunID
	nextSeq uint64
	ring    []Event
	// start is the ring index of the oldest retained event; the backlog
	// spans seq (nextSeq - count) to nextSeq.
	start     int
	count     int
	queueSize int
	subs      map[*Subscriber]struct{}
	closed    bool
}

// Subscriber receives the event stream on a bounded channel. Close it when
// the consumer is done; an abandoned subscriber drops events but never
// affects the run or other subscribers.
type Subscriber struct {
	b  *Broadcaster
	ch chan Event
	// dropped counts consecutive events lost since the queue last had room.
	dropped uint64
}

// Events returns the delivery channel. It is closed when either the
// subscriber or the broadcaster shuts down.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Close detaches the subscriber and closes its channel. Safe to call more
// than once.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, ok := s.b.subs[s]; !ok {
		return
	}
	delete(s.b.subs, s)
	close(s.ch)
}

// NewBroadcaster creates a broadcaster retaining up to backlog events for
// replay, with per-subscriber queues of queueSize. Non-positive arguments
// fall back to the defaults.
func NewBroadcaster(backlog, queueSize int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		ring:      make([]Event, backlog),
		queueSize: queueSize,
		subs:      make(map[*Subscriber]struct{}),
	}
}

// BeginRun resets the sequence counter and clears the backlog for a new run.
// Live subscribers ride across the boundary; events carry the run ID.
func (b *Broadcaster) BeginRun(id model.RunID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.runID = id
	b.nextSeq = 0
	b.start = 0
	b.count = 0
}

// Publish stamps the event with the next sequence number and the current
// time, stores it in the backlog, and offers it to every subscriber. Never
// blocks. Returns the assigned sequence number.
func (b *Broadcaster) Publish(ev Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.nextSeq
	}

	ev.Seq = b.nextSeq
	ev.Time = time.Now().UTC()
	b.nextSeq++

	pos := (b.start + b.count) % len(b.ring)
	b.ring[pos] = ev
	if b.count < len(b.ring) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.ring)
	}

	for s := range b.subs {
		b.offer(s, ev)
	}
	return ev.Seq
}

// offer delivers ev to one subscriber without blocking. Publish is the only
// sender on subscriber channels and runs under the registry mutex, so the
// capacity check cannot race another send.
func (b *Broadcaster) offer(s *Subscriber, ev Event) {
	if s.dropped > 0 {
		// Owe a gap marker. The marker and the event must go together,
		// otherwise the resync itself could be lost.
		if cap(s.ch)-len(s.ch) < 2 {
			s.dropped++
			return
		}
		// A drop streak can span a run boundary where seq resets.
		first := uint64(0)
		if ev.Seq >= s.dropped {
			first = ev.Seq - s.dropped
		}
		s.ch <- Event{
			Seq:     first,
			RunID:   ev.RunID,
			Kind:    KindGap,
			Time:    ev.Time,
			Dropped: s.dropped,
			Resume:  ev.Seq,
		}
		s.ch <- ev
		s.dropped = 0
		return
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

// Subscribe attaches a new subscriber whose stream begins at sequence from.
// The retained backlog from that point is preloaded before live delivery
// starts, so the splice has no gap and no duplicates. A from older than the
// backlog is clamped to the oldest retained event behind a leading gap
// marker; a from beyond the current sequence is a stale cursor from a
// previous run and replays the whole backlog.
func (b *Broadcaster) Subscribe(from uint64) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	oldest := b.nextSeq - uint64(b.count)
	if from > b.nextSeq {
		from = oldest
	}

	var lead *Event
	if from < oldest {
		lead = &Event{
			Seq:     from,
			RunID:   b.runID,
			Kind:    KindGap,
			Time:    time.Now().UTC(),
			Dropped: oldest - from,
			Resume:  oldest,
		}
		from = oldest
	}

	replay := int(b.nextSeq - from)
	s := &Subscriber{
		b:  b,
		ch: make(chan Event, replay+1+b.queueSize),
	}
	if lead != nil {
		s.ch <- *lead
	}
	for i := 0; i < replay; i++ {
		idx := (b.start + b.count - replay + i) % len(b.ring)
		s.ch <- b.ring[idx]
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// CurrentSeq returns the sequence number the next published event will
// carry. A client passes it to Subscribe to resume without overlap.
func (b *Broadcaster) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Close shuts down delivery and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
