// Package job holds the per-owner job records and the table that enforces
// one active job per owner.
package job

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/italolelis/magnet_relay/internal/engine"
	"github.com/italolelis/magnet_relay/internal/messaging"
	"github.com/segmentio/ksuid"
)

// Owner identifies the requesting user.
type Owner string

// Record is the tracked state of one job. Only the lifecycle manager mutates
// it; everything else reads through the accessors.
type Record struct {
	ID           string
	Owner        Owner
	OwnerDisplay string
	Chat         messaging.ChatID
	Descriptor   engine.Descriptor
	StoragePath  string
	StartedAt    time.Time

	mu           sync.RWMutex
	state        State
	handle       engine.Handle
	target       messaging.Target
	lastReported float64
}

// New creates a record in the Submitted state. IDs are k-sortable, so
// storage directories list in creation order.
func New(owner Owner, display string, chat messaging.ChatID, d engine.Descriptor, storageRoot string, now time.Time) *Record {
	id := ksuid.New().String()

	return &Record{
		ID:           id,
		Owner:        owner,
		OwnerDisplay: display,
		Chat:         chat,
		Descriptor:   d,
		StoragePath:  filepath.Join(storageRoot, id),
		StartedAt:    now,
		state:        Submitted,
	}
}

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.state
}

// Transition moves the record to s, rejecting edges the lifecycle does not allow.
func (r *Record) Transition(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !CanTransition(r.state, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, s)
	}

	r.state = s

	return nil
}

// Handle returns the engine handle while the record may still use it.
func (r *Record) Handle() (engine.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.handle == "" || !r.state.HoldsHandle() {
		return "", false
	}

	return r.handle, true
}

func (r *Record) SetHandle(h engine.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handle = h
}

func (r *Record) Target() messaging.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.target
}

func (r *Record) SetTarget(t messaging.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.target = t
}

func (r *Record) LastReported() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastReported
}

// Advance decides whether percent deserves a user visible update: it must
// beat the last reported value by at least threshold, or the job finished.
// When it does, lastReported moves forward; it never moves back.
func (r *Record) Advance(percent, threshold float64, finished bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !finished && percent-r.lastReported < threshold {
		return false
	}

	if percent > r.lastReported {
		r.lastReported = percent
	}

	return true
}
