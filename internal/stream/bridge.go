package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rook2pawn/audio-chunk/internal/audio"
)

// ErrDropped is returned by Push when a full bridge rejects the arrival
var ErrDropped = errors.New("chunk dropped: bridge queue full")

// OverflowPolicy selects what a bounded bridge does when its queue is full
type OverflowPolicy int

const (
	// Block parks the producer until the consumer makes room
	Block OverflowPolicy = iota
	// DropOldest evicts the head of the queue to admit the arrival
	DropOldest
	// DropNewest rejects the arrival
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy converts a config name into a policy
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "", "block":
		return Block, nil
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	}
	return Block, fmt.Errorf("unknown overflow policy %q", s)
}

// BridgeConfig bounds a bridge queue. Capacity <= 0 means unbounded.
type BridgeConfig struct {
	Capacity int
	Overflow OverflowPolicy
	OnDrop   func(*audio.Chunk) // called outside the bridge lock
}

// Inlet is the producer side of a bridge as seen by an event source
type Inlet interface {
	Push(ctx context.Context, c *audio.Chunk) error
	Finish()
}

// SubscribeFunc attaches an event source to in and returns the function
// that detaches it again.
type SubscribeFunc func(in Inlet) (unsubscribe func(), err error)

// BridgeStats is a point-in-time view of a bridge
type BridgeStats struct {
	Queued    int    `json:"queued"`
	Waiting   int    `json:"waiting"`
	Pushed    uint64 `json:"pushed"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Finished  bool   `json:"finished"`
	Closed    bool   `json:"closed"`
}

// Bridge turns pushed chunks into a pull-based Stream. Arrivals go to the
// oldest parked puller if there is one and are queued otherwise; pulls take
// the queue head if there is one and park otherwise. The queue and the set
// of parked pullers are never both non-empty.
type Bridge struct {
	cfg BridgeConfig

	mu      sync.Mutex
	queue   []*audio.Chunk
	waiters []chan *audio.Chunk
	space   chan struct{} // closed and replaced whenever room appears

	finished    bool
	closed      bool
	unsubscribe func()

	pushed    uint64
	delivered uint64
	dropped   uint64
}

// NewBridge creates a detached bridge; callers push into it directly
func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{
		cfg:   cfg,
		space: make(chan struct{}),
	}
}

// Subscribe creates a bridge and attaches it to an event source. Closing the
// bridge detaches the source exactly once.
func Subscribe(cfg BridgeConfig, subscribe SubscribeFunc) (*Bridge, error) {
	b := NewBridge(cfg)

	unsubscribe, err := subscribe(b)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return b, nil
	}
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	return b, nil
}

// Push delivers c to a parked puller or queues it, applying the overflow
// policy when a bounded queue is full.
func (b *Bridge) Push(ctx context.Context, c *audio.Chunk) error {
	b.mu.Lock()
	for {
		if b.closed || b.finished {
			b.mu.Unlock()
			return ErrClosed
		}

		if len(b.waiters) > 0 {
			w := b.waiters[0]
			b.waiters[0] = nil
			b.waiters = b.waiters[1:]
			w <- c
			b.pushed++
			b.mu.Unlock()
			return nil
		}

		if b.cfg.Capacity <= 0 || len(b.queue) < b.cfg.Capacity {
			b.queue = append(b.queue, c)
			b.pushed++
			b.mu.Unlock()
			return nil
		}

		switch b.cfg.Overflow {
		case DropNewest:
			b.dropped++
			b.mu.Unlock()
			b.notifyDrop(c)
			return ErrDropped

		case DropOldest:
			old := b.queue[0]
			b.queue[0] = nil
			b.queue = append(b.queue[1:], c)
			b.pushed++
			b.dropped++
			b.mu.Unlock()
			b.notifyDrop(old)
			return nil

		default:
			space := b.space
			b.mu.Unlock()
			select {
			case <-space:
			case <-ctx.Done():
				return ctx.Err()
			}
			b.mu.Lock()
		}
	}
}

// Finish marks the source exhausted. Queued chunks are still delivered,
// after which Next returns io.EOF.
func (b *Bridge) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished || b.closed {
		return
	}
	b.finished = true
	b.releaseLocked()
}

// Next returns the next chunk in arrival order, waiting for one if needed
func (b *Bridge) Next(ctx context.Context) (*audio.Chunk, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if len(b.queue) > 0 {
		c := b.dequeueLocked()
		b.delivered++
		b.mu.Unlock()
		return c, nil
	}
	if b.finished {
		b.mu.Unlock()
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	w := make(chan *audio.Chunk, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case c, ok := <-w:
		b.mu.Lock()
		defer b.mu.Unlock()
		if ok {
			b.delivered++
			return c, nil
		}
		if b.closed {
			return nil, ErrClosed
		}
		return nil, io.EOF

	case <-ctx.Done():
		b.mu.Lock()
		if b.removeWaiterLocked(w) {
			b.mu.Unlock()
			return nil, ctx.Err()
		}
		b.mu.Unlock()

		// a producer handed us a chunk while we were giving up
		if c, ok := <-w; ok {
			b.requeue(c)
		}
		return nil, ctx.Err()
	}
}

// Close stops the bridge, wakes everyone parked on it and detaches the source
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.releaseLocked()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// Len returns the number of queued chunks
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// GetStats returns current bridge statistics
func (b *Bridge) GetStats() BridgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BridgeStats{
		Queued:    len(b.queue),
		Waiting:   len(b.waiters),
		Pushed:    b.pushed,
		Delivered: b.delivered,
		Dropped:   b.dropped,
		Finished:  b.finished,
		Closed:    b.closed,
	}
}

func (b *Bridge) dequeueLocked() *audio.Chunk {
	c := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.signalSpaceLocked()
	return c
}

// requeue puts back a chunk whose puller gave up, ahead of anything queued since
func (b *Bridge) requeue(c *audio.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters[0] = nil
		b.waiters = b.waiters[1:]
		w <- c
		return
	}
	b.queue = append([]*audio.Chunk{c}, b.queue...)
}

func (b *Bridge) removeWaiterLocked(w chan *audio.Chunk) bool {
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// releaseLocked wakes parked pullers with end-of-stream and parked producers
func (b *Bridge) releaseLocked() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
	b.signalSpaceLocked()
}

func (b *Bridge) signalSpaceLocked() {
	close(b.space)
	b.space = make(chan struct{})
}

func (b *Bridge) notifyDrop(c *audio.Chunk) {
	if b.cfg.OnDrop != nil {
		b.cfg.OnDrop(c)
	}
}
