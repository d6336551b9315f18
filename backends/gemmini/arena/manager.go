// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arena

import (
	"fmt"

	"github.com/pkg/errors"
)

// State of a Manager.
type State int

const (
	Uninitialized State = iota
	Active
	Released
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Active:
		return "Active"
	case Released:
		return "Released"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Manager owns the arena of one batch: it allocates it lazily, at the planned size, on the
// first request, and releases it exactly once when the batch is over.
//
// Transitions: Uninitialized -> Active (Acquire) -> Released (Release) -> Uninitialized (Reset).
// A released manager refuses to Acquire until it is Reset.
type Manager struct {
	state State
	arena *Arena

	numAcquired, numReleased int
}

// SizeFn returns the size in bytes the arena needs, or an error if the batch can't be served.
type SizeFn func() (int, error)

// Acquire returns the active arena, creating it with the size returned by sizeFn if there is none.
// sizeFn is only called on the transition out of Uninitialized.
func (m *Manager) Acquire(sizeFn SizeFn) (*Arena, error) {
	switch m.state {
	case Active:
		return m.arena, nil
	case Released:
		return nil, errors.New("batch arena already released, Reset the manager first")
	}
	size, err := sizeFn()
	if err != nil {
		return nil, errors.WithMessage(err, "sizing batch arena")
	}
	m.arena = New(size)
	m.state = Active
	m.numAcquired++
	return m.arena, nil
}

// Arena returns the active arena, or nil if there is none.
func (m *Manager) Arena() *Arena {
	if m.state != Active {
		return nil
	}
	return m.arena
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// Release frees the active arena, if any, and moves the manager to Released.
// It is idempotent, and safe to call for a batch that aborted midway.
func (m *Manager) Release() {
	if m.state != Active {
		return
	}
	m.arena.Release()
	m.arena = nil
	m.state = Released
	m.numReleased++
}

// Reset releases the active arena, if any, and returns the manager to Uninitialized, ready for
// the next batch. The counts are kept.
func (m *Manager) Reset() {
	m.Release()
	m.state = Uninitialized
}

// Counts returns how many arenas were acquired and released so far.
func (m *Manager) Counts() (acquired, released int) {
	return m.numAcquired, m.numReleased
}
