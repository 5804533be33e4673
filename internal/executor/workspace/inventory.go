package workspace

import (
	"sort"
	"sync"
)

// Inventory is the set of workspace directories that have been created and
// not yet confirmed deleted. It is the only state shared between concurrent
// executions, so every method is safe for concurrent use.
//
// An entry is "active" while its execution still owns it and "released" once
// the execution has tried to delete it and failed. Periodic sweeps only touch
// released entries; a shutdown sweep takes everything.
type Inventory struct {
	mu    sync.Mutex
	paths map[string]bool // path -> released
}

// NewInventory returns an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{paths: make(map[string]bool)}
}

// Track records a freshly created workspace as active.
func (inv *Inventory) Track(path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.paths[path] = false
}

// Release marks a workspace as abandoned by its execution but still on disk.
func (inv *Inventory) Release(path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.paths[path]; ok {
		inv.paths[path] = true
	}
}

// Forget drops a workspace whose deletion has been confirmed.
func (inv *Inventory) Forget(path string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.paths, path)
}

// Released lists released entries, sorted.
func (inv *Inventory) Released() []string {
	return inv.snapshot(true)
}

// All lists every entry, sorted.
func (inv *Inventory) All() []string {
	return inv.snapshot(false)
}

// Len reports the number of tracked workspaces.
func (inv *Inventory) Len() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.paths)
}

func (inv *Inventory) snapshot(releasedOnly bool) []string {
	inv.mu.Lock()
	out := make([]string, 0, len(inv.paths))
	for p, released := range inv.paths {
		if releasedOnly && !released {
			continue
		}
		out = append(out, p)
	}
	inv.mu.Unlock()

	sort.Strings(out)
	return out
}
