// Package graph validates and repairs the feature dependency graph.
//
// Self-references and dangling dependencies have a single correct repair
// and are fixed in place. Cycles are reported and block scheduling until
// an operator removes one edge.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/harnessd/internal/feature"
)

// IssueKind classifies a graph defect.
type IssueKind string

const (
	IssueSelfReference IssueKind = "self_reference"
	IssueMissingTarget IssueKind = "missing_target"
	IssueCycle         IssueKind = "cycle"
)

// Remediation is shown to operators for every cycle.
const Remediation = "remove one dependency from this cycle"

// Issue is one defect attached to a feature.
type Issue struct {
	FeatureID string    `json:"feature_id"`
	Kind      IssueKind `json:"kind"`
	// Targets are the offending dependency ids, or the cycle path.
	Targets []string `json:"targets"`
	Message string   `json:"message"`
}

// Report is the result of Validate.
type Report struct {
	SelfReferences []string            `json:"self_references"`
	Cycles         [][]string          `json:"cycles"`
	MissingTargets map[string][]string `json:"missing_targets"`
	Issues         []Issue             `json:"issues"`
}

// Blocked reports whether the graph contains a cycle.
func (r Report) Blocked() bool { return len(r.Cycles) > 0 }

// Clean reports whether the graph has no defects at all.
func (r Report) Clean() bool {
	return len(r.SelfReferences) == 0 && len(r.MissingTargets) == 0 && len(r.Cycles) == 0
}

// Validate classifies every defect in the dependency graph. Edges point
// from a feature to its dependencies. Self-loops and edges to unknown ids
// are reported as their own kinds and ignored by cycle detection.
func Validate(features []feature.Feature) Report {
	byID := make(map[string]feature.Feature, len(features))
	ids := make([]string, 0, len(features))
	for _, f := range features {
		if _, dup := byID[f.ID]; !dup {
			ids = append(ids, f.ID)
		}
		byID[f.ID] = f
	}
	sort.Strings(ids)

	report := Report{
		SelfReferences: []string{},
		Cycles:         [][]string{},
		MissingTargets: map[string][]string{},
		Issues:         []Issue{},
	}

	edges := make(map[string][]string, len(ids))
	for _, id := range ids {
		f := byID[id]
		var missing []string
		self := false
		seen := make(map[string]bool, len(f.Dependencies))
		for _, dep := range f.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			switch {
			case dep == id:
				self = true
			case !containsKey(byID, dep):
				missing = append(missing, dep)
			default:
				edges[id] = append(edges[id], dep)
			}
		}
		sort.Strings(edges[id])

		if self {
			report.SelfReferences = append(report.SelfReferences, id)
			report.Issues = append(report.Issues, Issue{
				FeatureID: id,
				Kind:      IssueSelfReference,
				Targets:   []string{id},
				Message:   fmt.Sprintf("feature %s depends on itself", id),
			})
		}
		if len(missing) > 0 {
			report.MissingTargets[id] = missing
			report.Issues = append(report.Issues, Issue{
				FeatureID: id,
				Kind:      IssueMissingTarget,
				Targets:   append([]string(nil), missing...),
				Message:   fmt.Sprintf("feature %s depends on unknown features %s", id, strings.Join(missing, ", ")),
			})
		}
	}

	for _, cycle := range findCycles(ids, edges) {
		report.Cycles = append(report.Cycles, cycle)
		report.Issues = append(report.Issues, Issue{
			FeatureID: cycle[0],
			Kind:      IssueCycle,
			Targets:   cycle,
			Message:   fmt.Sprintf("dependency cycle %s: %s", RenderCycle(cycle), Remediation),
		})
	}
	return report
}

func containsKey(m map[string]feature.Feature, k string) bool {
	_, ok := m[k]
	return ok
}

// findCycles runs a DFS with a recursion stack from every unvisited id.
// A back edge to a node on the stack closes a cycle, which is read off the
// current path. Rotations of an already reported cycle are skipped.
func findCycles(ids []string, edges map[string][]string) [][]string {
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]int, len(ids))
	seen := make(map[string]bool)
	var path []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = len(path)
		path = append(path, id)

		for _, dep := range edges[id] {
			if idx, ok := onStack[dep]; ok {
				cycle := append(append([]string(nil), path[idx:]...), dep)
				key := canonical(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[dep] {
				visit(dep)
			}
		}

		path = path[:len(path)-1]
		delete(onStack, id)
	}

	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// canonical rotates a closed cycle to start at its smallest id.
func canonical(cycle []string) string {
	nodes := cycle[:len(cycle)-1]
	start := 0
	for i, n := range nodes {
		if n < nodes[start] {
			start = i
		}
	}
	rotated := make([]string, 0, len(nodes))
	rotated = append(rotated, nodes[start:]...)
	rotated = append(rotated, nodes[:start]...)
	return strings.Join(rotated, "\x00")
}

// RenderCycle formats a cycle path as "A -> B -> A".
func RenderCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// Text renders the operator-facing report, one block per feature.
func (r Report) Text() string {
	if len(r.Issues) == 0 {
		return "dependency graph healthy: no issues found\n"
	}

	byFeature := make(map[string][]Issue)
	var ids []string
	for _, is := range r.Issues {
		if _, ok := byFeature[is.FeatureID]; !ok {
			ids = append(ids, is.FeatureID)
		}
		byFeature[is.FeatureID] = append(byFeature[is.FeatureID], is)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "feature %s:\n", id)
		for _, is := range byFeature[id] {
			switch is.Kind {
			case IssueSelfReference:
				b.WriteString("  - self-reference (auto-repaired: dependency removed)\n")
			case IssueMissingTarget:
				fmt.Fprintf(&b, "  - missing dependencies: %s (auto-repaired: dependencies removed)\n", strings.Join(is.Targets, ", "))
			case IssueCycle:
				fmt.Fprintf(&b, "  - cycle: %s\n    action required: %s\n", RenderCycle(is.Targets), Remediation)
			}
		}
	}
	if r.Blocked() {
		fmt.Fprintf(&b, "scheduling blocked: %d cycle(s) must be fixed\n", len(r.Cycles))
	}
	return b.String()
}
