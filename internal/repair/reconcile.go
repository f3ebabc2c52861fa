package repair

import (
	"sort"

	"github.com/cheddar/seaport/internal/clock"
)

// Versioned is anything stamped with the timestamp of the write that
// produced it.
type Versioned interface {
	Stamp() clock.Timestamp
}

// Supersedes reports whether a write stamped incoming should replace the
// current one. Equal stamps describe the same write, so re-applying it is
// a no-op.
func Supersedes(current, incoming clock.Timestamp) bool {
	if current.IsZero() {
		return true
	}
	return incoming.After(current)
}

// Winner returns the surviving version among candidates for one field.
// The result does not depend on the order of candidates.
func Winner[T Versioned](candidates []T) (T, bool) {
	var best T
	if len(candidates) == 0 {
		return best, false
	}
	best = candidates[0]
	for _, c := range candidates[1:] {
		if Supersedes(best.Stamp(), c.Stamp()) {
			best = c
		}
	}
	return best, true
}

// Missing returns the versions not covered by digest, ordered by
// timestamp so each writer's updates are replayed in the order they were
// made.
func Missing[T Versioned](versions []T, digest clock.Vector) []T {
	out := make([]T, 0)
	for _, v := range versions {
		if digest != nil && digest.Covers(v.Stamp()) {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Stamp().Compare(out[j].Stamp()) < 0
	})
	return out
}
