package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SlotState tracks the lifecycle of one mount point directory.
type SlotState int

const (
	// SlotFree means the directory is unused and may be acquired.
	SlotFree SlotState = iota
	// SlotBridging means the slot is reserved for an in-progress attempt.
	SlotBridging
	// SlotMounted means an active filesystem is bound to the slot.
	SlotMounted
	// SlotStale means a previous run left something bound here; only the
	// reconciler moves a slot out of this state.
	SlotStale
)

// Slot is one reusable mount point directory. State transitions go through
// the owning Pool so the single-binding invariant holds under concurrency.
type Slot struct {
	Path  string
	Index int

	state SlotState
}

// State returns the slot's current state.
func (s *Slot) State() SlotState {
	return s.state
}

// Pool is a fixed-size, growable set of mount point directories. Acquire
// hands out free slots and transparently extends the pool on exhaustion.
type Pool struct {
	mu     sync.Mutex
	base   string
	prefix string
	slots  []*Slot
}

// NewPool provisions size numbered directories under base, named
// prefix01..prefixNN.
func NewPool(base, prefix string, size int) (*Pool, error) {
	p := &Pool{base: base, prefix: prefix}
	for i := 1; i <= size; i++ {
		if _, err := p.provision(i); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) provision(index int) (*Slot, error) {
	path := filepath.Join(p.base, fmt.Sprintf("%s%02d", p.prefix, index))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: cannot create slot %s: %v", ErrPoolExhausted, path, err)
	}
	slot := &Slot{Path: path, Index: index}
	p.slots = append(p.slots, slot)
	return slot, nil
}

// Acquire returns a free slot in bridging state, growing the pool by one
// directory when every existing slot is busy.
func (p *Pool) Acquire() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.state == SlotFree {
			s.state = SlotBridging
			return s, nil
		}
	}

	slot, err := p.provision(len(p.slots) + 1)
	if err != nil {
		return nil, err
	}
	slot.state = SlotBridging
	return slot, nil
}

// SetMounted promotes a bridging slot to mounted.
func (p *Pool) SetMounted(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.state = SlotMounted
}

// MarkStale flags a slot the reconciler found still bound at startup.
func (p *Pool) MarkStale(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.state = SlotStale
}

// Release returns a slot to the free state.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.state = SlotFree
}

// Slots returns all slots currently in the pool.
func (p *Pool) Slots() []*Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Slot, len(p.slots))
	copy(out, p.slots)
	return out
}

// Size returns the current number of slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
