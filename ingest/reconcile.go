package ingest

import (
	"sort"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

// RemoteFileRecord is a file of the latest dataset version as known to the
// remote system.
type RemoteFileRecord struct {
	ID         int64
	Path       string
	Checksum   string
	Restricted bool
}

// Plan lists the file operations that turn the previous version of a
// dataset into the file set of a deposit. Moves, Replacements and Deletions
// never share a remote id.
type Plan struct {
	// Moves are files found by checksum at a new path.
	Moves map[int64]deposit.FileMeta

	// Replacements are files whose content changed at the same path.
	Replacements map[int64]deposit.FileEntry

	// Deletions are files whose path is gone from the new version.
	Deletions map[int64]struct{}

	// Additions are new files, ordered by path.
	Additions []deposit.FileEntry
}

// Empty reports whether the plan has no operations.
func (p Plan) Empty() bool {
	return len(p.Moves) == 0 && len(p.Replacements) == 0 && len(p.Deletions) == 0 && len(p.Additions) == 0
}

// Counts returns the number of operations of each kind, keyed by kind.
func (p Plan) Counts() map[string]int {
	return map[string]int{
		"move":    len(p.Moves),
		"replace": len(p.Replacements),
		"delete":  len(p.Deletions),
		"add":     len(p.Additions),
	}
}

// DeletionIDs returns the ids to delete in ascending order.
func (p Plan) DeletionIDs() []int64 {
	return sortedIDs(p.Deletions)
}

// ReplacementIDs returns the ids to replace in ascending order.
func (p Plan) ReplacementIDs() []int64 {
	return sortedIDs(p.Replacements)
}

// MoveIDs returns the ids to move in ascending order.
func (p Plan) MoveIDs() []int64 {
	return sortedIDs(p.Moves)
}

// uniqueChecksums indexes paths by checksum. Checksums shared by more than
// one path are left out: their identity cannot be established.
func uniqueChecksums(checksums map[string]string) map[string]string {
	index := make(map[string]string, len(checksums))
	seen := make(map[string]int, len(checksums))
	for p, sum := range checksums {
		seen[sum]++
		index[sum] = p
	}
	for sum, n := range seen {
		if n > 1 {
			delete(index, sum)
		}
	}
	return index
}

// Reconcile computes the plan to move from the old file set to the incoming
// one. It performs no I/O and the result depends only on its arguments.
//
// Files sharing a checksum within one version never take part in move
// detection, so a rename among identical files shows up as a deletion plus
// an addition.
func Reconcile(old map[string]RemoteFileRecord, incoming map[string]deposit.FileEntry) Plan {
	oldSums := make(map[string]string, len(old))
	for p, r := range old {
		oldSums[p] = r.Checksum
	}
	newSums := make(map[string]string, len(incoming))
	for p, f := range incoming {
		newSums[p] = f.Checksum
	}
	oldIndex := uniqueChecksums(oldSums)
	newIndex := uniqueChecksums(newSums)

	// Old path -> new path for every unique checksum found at a new path.
	moved := map[string]string{}
	for sum, oldPath := range oldIndex {
		if newPath, ok := newIndex[sum]; ok && newPath != oldPath {
			moved[oldPath] = newPath
		}
	}
	movedTo := make(map[string]struct{}, len(moved))
	for _, newPath := range moved {
		movedTo[newPath] = struct{}{}
	}

	plan := Plan{
		Moves:        make(map[int64]deposit.FileMeta, len(moved)),
		Replacements: map[int64]deposit.FileEntry{},
		Deletions:    map[int64]struct{}{},
	}

	for oldPath, newPath := range moved {
		plan.Moves[old[oldPath].ID] = incoming[newPath].Metadata
	}

	// A file being vacated or occupied by a move cannot be replaced.
	for p, r := range old {
		if _, ok := moved[p]; ok {
			continue
		}
		if _, ok := movedTo[p]; ok {
			continue
		}
		if f, ok := incoming[p]; ok && f.Checksum != r.Checksum {
			plan.Replacements[r.ID] = f
		}
	}

	// Paths of the old version that are neither kept nor vacated by a move.
	deleted := map[string]struct{}{}
	for p, r := range old {
		if _, ok := moved[p]; ok {
			continue
		}
		if _, ok := incoming[p]; ok {
			continue
		}
		deleted[p] = struct{}{}
		plan.Deletions[r.ID] = struct{}{}
	}

	occupied := make(map[string]struct{}, len(old)+len(movedTo))
	for p := range old {
		if _, ok := moved[p]; ok {
			continue
		}
		if _, ok := deleted[p]; ok {
			continue
		}
		occupied[p] = struct{}{}
	}
	for p := range movedTo {
		occupied[p] = struct{}{}
	}

	for p, f := range incoming {
		if _, ok := occupied[p]; !ok {
			plan.Additions = append(plan.Additions, f)
		}
	}
	sort.Slice(plan.Additions, func(i, j int) bool {
		return plan.Additions[i].Path < plan.Additions[j].Path
	})

	return plan
}

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
