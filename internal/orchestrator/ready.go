package orchestrator

import (
	"sort"

	"github.com/fyrsmithlabs/harnessd/internal/feature"
)

// Ready returns the features eligible for dispatch: not passing, not in
// progress, not terminally failed, and every dependency passing. The
// result is sorted by priority ascending, then id.
func Ready(features []feature.Feature) []feature.Feature {
	passing := make(map[string]bool, len(features))
	for _, f := range features {
		if f.Passes {
			passing[f.ID] = true
		}
	}

	var ready []feature.Feature
	for _, f := range features {
		if f.Passes || f.InProgress || f.Failed {
			continue
		}
		ok := true
		for _, dep := range f.Dependencies {
			if !passing[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, f)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}
