// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package httpgate

import "sync"

// Registry is a concurrent map of uniqueID to namespace used for dynamic
// host-pattern routing. An external watcher registers and unregisters
// entries as backends come and go; the Table reads it on every dynamic
// resolution, so changes take effect immediately without republishing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Register maps uniqueID to namespace. Returns true if the entry is new,
// false if an existing entry was updated.
func (reg *Registry) Register(uniqueID, namespace string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, exists := reg.entries[uniqueID]
	reg.entries[uniqueID] = namespace
	return !exists
}

// Unregister removes uniqueID. Returns true if an entry was removed.
func (reg *Registry) Unregister(uniqueID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, exists := reg.entries[uniqueID]
	delete(reg.entries, uniqueID)
	return exists
}

// Clear removes all entries, used when a watcher re-syncs from scratch.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.entries = make(map[string]string)
}

// Lookup returns the namespace for uniqueID.
func (reg *Registry) Lookup(uniqueID string) (namespace string, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	namespace, ok = reg.entries[uniqueID]
	return
}

// Len returns the number of registered entries.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.entries)
}
