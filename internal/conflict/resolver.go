// Package conflict implements field-level three-way merge for concurrently
// edited reports.
//
// Detection compares three snapshots of a document's fields: the original the
// editor started from, the editor's local copy, and the authoritative server
// copy returned by a rejected write. A field needs an explicit choice only
// when both sides changed it to different values; one-sided changes resolve
// automatically, and identical convergent edits are never conflicts.
package conflict

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

// Resolution indicates which side a field resolves to.
type Resolution string

const (
	// ResolutionLocal keeps the editor's value.
	ResolutionLocal Resolution = "local"
	// ResolutionServer keeps the authoritative server value.
	ResolutionServer Resolution = "server"
	// ResolutionUnresolved means both sides changed the field and the user
	// must choose.
	ResolutionUnresolved Resolution = "unresolved"
)

// Policy selects how a conflicted save is resolved as a whole.
type Policy string

const (
	// PolicyReload discards local edits and adopts the server document.
	PolicyReload Policy = "reload"
	// PolicyOverride resubmits local edits against the server's version,
	// clobbering the other party's changes.
	PolicyOverride Policy = "override"
	// PolicyMerge applies per-field choices and saves the merged document.
	PolicyMerge Policy = "merge"
)

// FieldConflict is the decision record for one field.
type FieldConflict struct {
	Field       string     `json:"field"`
	LocalValue  string     `json:"local_value"`
	ServerValue string     `json:"server_value"`
	Resolution  Resolution `json:"resolution"`
}

// Set is the full decision set for one conflicted save, ordered by field
// name so output is deterministic.
type Set []FieldConflict

// Unresolved returns the number of fields requiring an explicit choice.
// This is the "conflicting fields" count surfaced to the user.
func (s Set) Unresolved() int {
	n := 0
	for _, fc := range s {
		if fc.Resolution == ResolutionUnresolved {
			n++
		}
	}
	return n
}

// Detect computes the per-field decision set for a three-way merge.
//
// For each field present in any snapshot:
//   - local == server: no entry, the sides already agree (convergent edits
//     included, even when both differ from the original)
//   - only local changed: auto-resolves to local
//   - only server changed: auto-resolves to server
//   - both changed, to different values: unresolved, user must choose
func Detect(original, local, server report.Fields) Set {
	names := fieldNames(original, local, server)

	var set Set
	for _, f := range names {
		o, l, sv := original[f], local[f], server[f]

		if l == sv {
			continue
		}

		localChanged := l != o
		serverChanged := sv != o

		switch {
		case localChanged && serverChanged:
			set = append(set, FieldConflict{
				Field:       f,
				LocalValue:  l,
				ServerValue: sv,
				Resolution:  ResolutionUnresolved,
			})
		case localChanged:
			set = append(set, FieldConflict{
				Field:       f,
				LocalValue:  l,
				ServerValue: sv,
				Resolution:  ResolutionLocal,
			})
		default:
			set = append(set, FieldConflict{
				Field:       f,
				LocalValue:  l,
				ServerValue: sv,
				Resolution:  ResolutionServer,
			})
		}
	}

	return set
}

// Merge produces the merged field map for PolicyMerge: the server document's
// fields with the decision set applied on top. choices maps field name to
// ResolutionLocal or ResolutionServer for every unresolved entry; a missing
// or unresolved choice is an error, so a merge can never silently drop a
// pending decision.
func Merge(server report.Fields, set Set, choices map[string]Resolution) (report.Fields, error) {
	merged := server.Clone()

	for _, fc := range set {
		res := fc.Resolution
		if res == ResolutionUnresolved {
			choice, ok := choices[fc.Field]
			if !ok {
				return nil, fmt.Errorf("no choice for conflicting field %q", fc.Field)
			}
			if choice != ResolutionLocal && choice != ResolutionServer {
				return nil, fmt.Errorf("invalid choice %q for field %q", choice, fc.Field)
			}
			res = choice
		}

		if res == ResolutionLocal {
			merged[fc.Field] = fc.LocalValue
		}
		// ResolutionServer keeps the server value already in merged.
	}

	return merged, nil
}

// fieldNames returns the union of field names across snapshots, sorted.
func fieldNames(maps ...report.Fields) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
