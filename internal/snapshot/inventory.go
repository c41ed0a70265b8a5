package snapshot

import (
	"fmt"
	"os"
	"sort"
)

// Inventory is the set of snapshot archives present in a directory.
// It is built once per pass and read concurrently afterwards.
type Inventory struct {
	full        map[uint64]Artifact
	incremental map[[2]uint64]Artifact
}

// NewInventory builds an inventory from already-parsed artifacts.
func NewInventory(artifacts ...Artifact) *Inventory {
	inv := &Inventory{
		full:        make(map[uint64]Artifact),
		incremental: make(map[[2]uint64]Artifact),
	}
	for _, a := range artifacts {
		inv.Add(a)
	}
	return inv
}

// ScanDir indexes every snapshot archive directly under dir. Files that do
// not follow the naming grammar (temp files, the summary document) are ignored.
func ScanDir(dir string) (*Inventory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory %s: %w", dir, err)
	}

	inv := NewInventory()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		a, err := Parse(entry.Name())
		if err != nil {
			continue
		}
		inv.Add(a)
	}
	return inv, nil
}

// Add records an artifact.
func (inv *Inventory) Add(a Artifact) {
	if a.Kind == Incremental {
		inv.incremental[[2]uint64{a.BaseSlot, a.Slot}] = a
		return
	}
	inv.full[a.Slot] = a
}

// HasFull reports whether a full archive for slot is present.
func (inv *Inventory) HasFull(slot uint64) bool {
	if inv == nil {
		return false
	}
	_, ok := inv.full[slot]
	return ok
}

// Has reports whether an archive with the same identifying slots is present.
func (inv *Inventory) Has(a Artifact) bool {
	if inv == nil {
		return false
	}
	if a.Kind == Incremental {
		_, ok := inv.incremental[[2]uint64{a.BaseSlot, a.Slot}]
		return ok
	}
	return inv.HasFull(a.Slot)
}

// FullSlots returns the slots of local full archives in ascending order.
func (inv *Inventory) FullSlots() []uint64 {
	if inv == nil {
		return nil
	}
	slots := make([]uint64, 0, len(inv.full))
	for s := range inv.full {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}

// Len returns the number of archives indexed.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.full) + len(inv.incremental)
}
