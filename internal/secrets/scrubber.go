// Package secrets redacts credentials from event payloads before they are
// persisted or broadcast.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// minScanLength skips strings too short to hold a credential.
const minScanLength = 8

// Finding is a detected secret. The secret value itself is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result is the outcome of scrubbing one string.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// Scrubber redacts secrets from strings and payloads.
type Scrubber interface {
	Scrub(content string) Result
	ScrubPayload(payload map[string]interface{}) (map[string]interface{}, int)
}

// GitleaksScrubber uses the default gitleaks rule set. Building the
// detector is expensive, so one detector is shared and calls are
// serialized.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
	allow    []*regexp.Regexp
}

// New creates a scrubber. Values matching any allow pattern are kept.
func New(allow ...string) (*GitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create gitleaks detector: %w", err)
	}
	s := &GitleaksScrubber{detector: detector}
	for _, p := range allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Scrub replaces every detected secret with [REDACTED:<rule>].
func (s *GitleaksScrubber) Scrub(content string) Result {
	if len(content) < minScanLength {
		return Result{Scrubbed: content}
	}

	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(found) == 0 {
		return Result{Scrubbed: content}
	}

	// longest secrets first so a secret containing another is replaced whole
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })

	res := Result{Scrubbed: content}
	for _, f := range found {
		if f.Secret == "" || s.allowed(f.Secret) {
			continue
		}
		// detector lines are zero based
		res.Findings = append(res.Findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine + 1})
		res.Scrubbed = strings.ReplaceAll(res.Scrubbed, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return res
}

func (s *GitleaksScrubber) allowed(secret string) bool {
	for _, re := range s.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}

// ScrubPayload returns a copy of payload with every string value scrubbed,
// recursing into maps and slices, and the number of redactions.
func (s *GitleaksScrubber) ScrubPayload(payload map[string]interface{}) (map[string]interface{}, int) {
	return scrubPayload(s, payload)
}

func scrubPayload(s Scrubber, payload map[string]interface{}) (map[string]interface{}, int) {
	if payload == nil {
		return nil, 0
	}
	count := 0
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch t := v.(type) {
		case string:
			r := s.Scrub(t)
			count += len(r.Findings)
			return r.Scrubbed
		case map[string]interface{}:
			out := make(map[string]interface{}, len(t))
			for k, val := range t {
				out[k] = walk(val)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(t))
			for i, val := range t {
				out[i] = walk(val)
			}
			return out
		case []string:
			out := make([]string, len(t))
			for i, val := range t {
				out[i] = walk(val).(string)
			}
			return out
		default:
			return v
		}
	}
	return walk(payload).(map[string]interface{}), count
}

// Noop leaves content unchanged.
type Noop struct{}

func (Noop) Scrub(content string) Result { return Result{Scrubbed: content} }

func (n Noop) ScrubPayload(payload map[string]interface{}) (map[string]interface{}, int) {
	return payload, 0
}

var (
	_ Scrubber = (*GitleaksScrubber)(nil)
	_ Scrubber = Noop{}
)
