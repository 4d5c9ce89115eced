package roster

import (
	"sort"

	"classcheck/internal/docstore"
	"classcheck/internal/metrics"
)

// Snapshot is roster state keyed by owner. Both cache loads and remote
// pushes reduce to this shape before merging.
type Snapshot map[string][]ClassRoster

// SnapshotFromDocs parses a set of class documents into a snapshot. Records
// with no resolvable id are dropped; records with no owner file under the
// sentinel owner.
func SnapshotFromDocs(docs []docstore.Document) Snapshot {
	snap := make(Snapshot)
	for _, doc := range docs {
		c, ok := ParseClassDoc(doc)
		if !ok {
			continue
		}
		snap[c.Owner] = append(snap[c.Owner], c)
	}
	return snap
}

// Merge folds an incoming snapshot into the previous merged state and
// returns a new map; neither input is mutated. Every push carries the full
// current result set for its scope, so each owner present in the incoming
// snapshot replaces that owner's previous list wholesale: a class the push
// no longer contains is dropped, a deletion propagates on the next push,
// and per class id the most recently supplied record wins. Merging the
// same snapshot twice is a no-op and out-of-order delivery converges on
// the last snapshot. Owners absent from the incoming snapshot keep their
// previous records.
func Merge(prev, incoming Snapshot) Snapshot {
	if len(incoming) == 0 {
		// transient zero-result reads must not wipe existing state
		return prev
	}

	merged := make(Snapshot, len(prev)+len(incoming))
	for owner, list := range prev {
		merged[owner] = append([]ClassRoster(nil), list...)
	}

	for _, rawOwner := range sortedOwners(incoming) {
		owner := rawOwner
		if owner == "" {
			owner = UnknownOwner
		}
		var list []ClassRoster
		for _, rec := range incoming[rawOwner] {
			id := rec.StableID("")
			if id == "" {
				continue
			}
			rec.ID = id
			replaced := false
			for i := range list {
				if list[i].StableID("") == id {
					list[i] = rec
					replaced = true
					break
				}
			}
			if !replaced {
				list = append(list, rec)
			}
		}
		if len(list) == 0 {
			delete(merged, owner)
			continue
		}
		merged[owner] = list
	}

	return dedupAcrossOwners(merged)
}

// dedupAcrossOwners drops any class id appearing under more than one owner,
// keeping the first occurrence in deterministic owner order. This defends
// against owner-key normalization drift duplicating a class.
func dedupAcrossOwners(snap Snapshot) Snapshot {
	seen := make(map[string]bool)
	out := make(Snapshot, len(snap))
	for _, owner := range sortedOwners(snap) {
		var kept []ClassRoster
		for _, rec := range snap[owner] {
			id := rec.StableID("")
			if seen[id] {
				metrics.DuplicateDrops.Inc()
				continue
			}
			seen[id] = true
			kept = append(kept, rec)
		}
		if kept != nil {
			out[owner] = kept
		}
	}
	return out
}

func sortedOwners(snap Snapshot) []string {
	owners := make([]string, 0, len(snap))
	for owner := range snap {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}
