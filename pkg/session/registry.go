// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"sort"
	"sync"
)

// Registry is the read interface over the sessions of one acquisition.
// Machines register sessions as they open and finalize them; any goroutine
// may read.
type Registry struct {
	mu        sync.RWMutex
	current   map[uint8]*Session
	states    map[uint8]State
	finalized []*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		current: make(map[uint8]*Session),
		states:  make(map[uint8]State),
	}
}

// Current returns a snapshot of the open session on a channel
func (r *Registry) Current(ch uint8) (Snapshot, bool) {
	r.mu.RLock()
	s, ok := r.current[ch]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Finalized returns the finalized sessions in finalization order
func (r *Registry) Finalized() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, len(r.finalized))
	copy(out, r.finalized)
	return out
}

// State returns the machine state last reported for a channel
func (r *Registry) State(ch uint8) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[ch]
}

// Channels returns the channels that have reported a state
func (r *Registry) Channels() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chs := make([]uint8, 0, len(r.states))
	for ch := range r.states {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool { return chs[i] < chs[j] })
	return chs
}

func (r *Registry) open(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[s.Channel] = s
}

func (r *Registry) finalize(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current[s.Channel] == s {
		delete(r.current, s.Channel)
	}
	r.finalized = append(r.finalized, s)
}

func (r *Registry) discard(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current[s.Channel] == s {
		delete(r.current, s.Channel)
	}
}

func (r *Registry) setState(ch uint8, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[ch] = st
}
