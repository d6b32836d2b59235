// Package serial implements the hierarchical addressing scheme used across
// the engine: J<year><seq> for jobs, with dot-separated child sequences for
// executions, branches and action results (J20250001.0001.0002.0003).
// Sequences are zero-padded to four digits and strictly increasing within
// their parent scope.
package serial

import (
	"fmt"
	"strconv"
	"strings"
)

// Hierarchy levels, by number of dot-separated segments.
const (
	LevelJob = iota + 1
	LevelExecution
	LevelBranch
	LevelAction
)

// Lineage is the decomposed form of a serial. Sequence fields below the
// serial's own level are zero.
type Lineage struct {
	Level     int
	JobYear   int
	JobSeq    int64
	ExecSeq   int64
	BranchSeq int64
	ActionSeq int64
}

// JobSerial reconstructs the job-level serial of the lineage.
func (l Lineage) JobSerial() string {
	return FormatJob(l.JobYear, l.JobSeq)
}

// ExecutionSerial reconstructs the execution-level serial, or "" when the
// lineage is job-level only.
func (l Lineage) ExecutionSerial() string {
	if l.Level < LevelExecution {
		return ""
	}
	return Child(l.JobSerial(), l.ExecSeq)
}

// BranchSerial reconstructs the branch-level serial, or "" below branch level.
func (l Lineage) BranchSerial() string {
	if l.Level < LevelBranch {
		return ""
	}
	return Child(l.ExecutionSerial(), l.BranchSeq)
}

// FormatJob builds a job serial: J<year><seq> with a four-digit sequence.
func FormatJob(year int, seq int64) string {
	return fmt.Sprintf("J%d%04d", year, seq)
}

// FormatTarget builds a target serial: T<seq>.
func FormatTarget(seq int64) string {
	return fmt.Sprintf("T%04d", seq)
}

// Child appends the next-level sequence to a parent serial.
func Child(parent string, seq int64) string {
	return fmt.Sprintf("%s.%04d", parent, seq)
}

// Parse decomposes a serial into its lineage. It accepts any hierarchy level
// from job down to action result.
func Parse(s string) (Lineage, error) {
	var l Lineage

	parts := strings.Split(s, ".")
	if len(parts) < LevelJob || len(parts) > LevelAction {
		return l, fmt.Errorf("invalid serial %q: expected 1 to 4 segments, got %d", s, len(parts))
	}

	head := parts[0]
	if len(head) < 9 || head[0] != 'J' {
		return l, fmt.Errorf("invalid serial %q: job segment must be J<year><seq>", s)
	}
	year, err := strconv.Atoi(head[1:5])
	if err != nil {
		return l, fmt.Errorf("invalid serial %q: bad year: %w", s, err)
	}
	jobSeq, err := strconv.ParseInt(head[5:], 10, 64)
	if err != nil || jobSeq <= 0 {
		return l, fmt.Errorf("invalid serial %q: bad job sequence", s)
	}

	l.Level = len(parts)
	l.JobYear = year
	l.JobSeq = jobSeq

	seqs := []*int64{nil, &l.ExecSeq, &l.BranchSeq, &l.ActionSeq}
	for i := 1; i < len(parts); i++ {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil || n <= 0 {
			return l, fmt.Errorf("invalid serial %q: bad sequence segment %q", s, parts[i])
		}
		*seqs[i] = n
	}

	return l, nil
}
