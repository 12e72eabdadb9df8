// Package retry parses retry specifications and computes the retry state of
// a job after a failure.
//
// A specification is one of:
//   - empty: the configured default
//   - an integer N: N attempts, spaced by the configured interval
//   - R<n>/<ISO-8601 duration>: n attempts (1 when n is 0) spaced by the duration
//   - a comma-separated list of ISO-8601 durations: one attempt per entry
//     plus the initial one, spaced by the entries in order
package retry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// SpecKind identifies the form of a specification.
type SpecKind int

const (
	SpecDefault SpecKind = iota
	SpecCount
	SpecRepeating
	SpecList
)

func (k SpecKind) String() string {
	switch k {
	case SpecDefault:
		return "default"
	case SpecCount:
		return "count"
	case SpecRepeating:
		return "repeating"
	case SpecList:
		return "list"
	}
	return fmt.Sprintf("SpecKind(%d)", int(k))
}

// Spec is a parsed retry specification.
type Spec struct {
	Kind      SpecKind
	Count     int
	Intervals []time.Duration
	Raw       string
}

// Parse parses a retry specification.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{Kind: SpecDefault, Raw: raw}, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return Spec{}, fmt.Errorf("retry spec %q: count must not be negative", raw)
		}
		return Spec{Kind: SpecCount, Count: n, Raw: raw}, nil
	}

	if strings.HasPrefix(s, "R") {
		countPart, durPart, ok := strings.Cut(s[1:], "/")
		if !ok {
			return Spec{}, fmt.Errorf("retry spec %q: expected R<n>/<duration>", raw)
		}
		n, err := strconv.Atoi(countPart)
		if err != nil || n < 0 {
			return Spec{}, fmt.Errorf("retry spec %q: invalid repetition count %q", raw, countPart)
		}
		d, err := parseDuration(durPart)
		if err != nil {
			return Spec{}, fmt.Errorf("retry spec %q: %w", raw, err)
		}
		return Spec{Kind: SpecRepeating, Count: n, Intervals: []time.Duration{d}, Raw: raw}, nil
	}

	parts := strings.Split(s, ",")
	intervals := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := parseDuration(strings.TrimSpace(p))
		if err != nil {
			return Spec{}, fmt.Errorf("retry spec %q: %w", raw, err)
		}
		intervals = append(intervals, d)
	}
	return Spec{Kind: SpecList, Count: len(intervals), Intervals: intervals, Raw: raw}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	d, err := duration.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
	}
	td := d.ToTimeDuration()
	if td < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return td, nil
}

// legacyRetries is the fixed budget of a job created in legacy mode.
const legacyRetries = 3

// Policy holds the engine-wide retry settings.
type Policy struct {
	// Legacy reproduces the historical behavior: every job starts with 3
	// retries and a repeating spec takes over only at the first failure.
	Legacy bool

	// DefaultRetries is the budget of a job with an empty spec outside
	// legacy mode. Zero is allowed and makes the first failure terminal.
	DefaultRetries int

	// Interval spaces attempts of default and count specs.
	Interval time.Duration
}

// DefaultPolicy returns the non-legacy policy with 3 retries 10s apart.
func DefaultPolicy() Policy {
	return Policy{DefaultRetries: 3, Interval: 10 * time.Second}
}

// InitialRetries returns the retry budget of a new job.
func (p Policy) InitialRetries(spec Spec) int {
	switch spec.Kind {
	case SpecCount:
		return spec.Count
	case SpecRepeating:
		if p.Legacy {
			return legacyRetries
		}
		return max(spec.Count, 1)
	case SpecList:
		return spec.Count + 1
	}
	if p.Legacy {
		return legacyRetries
	}
	return p.DefaultRetries
}

// State is a job's retry state after a failure.
type State struct {
	Retries int
	DueDate time.Time
}

// NextState computes the state after a failure at failedAt. currentRetries
// is the budget before the failure; firstAttempt reports whether the job
// had never failed before. A result with zero retries is terminal and its
// due date is failedAt.
func (p Policy) NextState(spec Spec, currentRetries int, firstAttempt bool, failedAt time.Time) State {
	retries := currentRetries
	if p.Legacy && firstAttempt && spec.Kind == SpecRepeating {
		retries = max(spec.Count, 1)
	}
	remaining := max(retries-1, 0)

	if remaining == 0 {
		return State{Retries: 0, DueDate: failedAt}
	}
	return State{Retries: remaining, DueDate: failedAt.Add(p.interval(spec, retries))}
}

// interval returns the wait after a failure that found retries left.
func (p Policy) interval(spec Spec, retries int) time.Duration {
	switch spec.Kind {
	case SpecRepeating:
		return spec.Intervals[0]
	case SpecList:
		// The k-th failure (k from 1) waits Intervals[k-1]; later failures
		// reuse the last entry.
		failures := p.InitialRetries(spec) - retries + 1
		idx := min(max(failures-1, 0), len(spec.Intervals)-1)
		return spec.Intervals[idx]
	}
	return p.Interval
}
