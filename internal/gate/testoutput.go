package gate

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// TestReport is what was learned from `go test -v` output.
type TestReport struct {
	Ran      map[string]bool
	Passed   map[string]bool
	Failed   map[string]bool
	Skipped  map[string]bool
	Coverage *float64
}

var (
	runLine      = regexp.MustCompile(`^=== RUN\s+(\S+)`)
	resultLine   = regexp.MustCompile(`^--- (PASS|FAIL|SKIP):\s+(\S+)`)
	coverageLine = regexp.MustCompile(`coverage:\s+([0-9]+(?:\.[0-9]+)?)% of statements`)
)

// ParseTestOutput reads verbose go test output. Subtest results are
// indented; indentation is ignored. When several packages report
// coverage the lowest value is kept.
func ParseTestOutput(out string) TestReport {
	rep := TestReport{
		Ran:     make(map[string]bool),
		Passed:  make(map[string]bool),
		Failed:  make(map[string]bool),
		Skipped: make(map[string]bool),
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if m := runLine.FindStringSubmatch(line); m != nil {
			rep.Ran[m[1]] = true
			continue
		}
		if m := resultLine.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "PASS":
				rep.Passed[m[2]] = true
			case "FAIL":
				rep.Failed[m[2]] = true
			case "SKIP":
				rep.Skipped[m[2]] = true
			}
			continue
		}
		if m := coverageLine.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				if rep.Coverage == nil || v < *rep.Coverage {
					rep.Coverage = &v
				}
			}
		}
	}
	return rep
}

// PassRatio returns passed / (passed + failed), or nil when nothing ran.
func (r TestReport) PassRatio() *float64 {
	total := len(r.Passed) + len(r.Failed)
	if total == 0 {
		return nil
	}
	v := float64(len(r.Passed)) / float64(total)
	return &v
}

var diagnosticLine = regexp.MustCompile(`^\S+\.go:\d+(?::\d+)?: `)

// CountDiagnostics counts `file.go:line:col: msg` lines of linter output.
func CountDiagnostics(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if diagnosticLine.MatchString(strings.TrimSpace(line)) {
			n++
		}
	}
	return n
}

// subtestName converts a declared assertion to the form go test prints,
// where spaces become underscores.
func subtestName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}
