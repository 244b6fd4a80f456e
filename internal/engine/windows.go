package engine

import (
	"fmt"
	"time"
)

// Window names used in preamble entries and retrieval breakdowns.
const (
	WindowHot      = "hot"
	WindowWorking  = "working"
	WindowLongTerm = "long_term"
	WindowArchive  = "archive"
)

// WindowDef is one temporal window: chunks whose age at query time falls in
// [From, To) belong to it. To <= 0 means unbounded.
//
// A chunk's window is always derived from (now - created_at); it is never
// stored, so chunks migrate between windows by aging alone.
type WindowDef struct {
	Name string        `yaml:"name"`
	From time.Duration `yaml:"from"`
	To   time.Duration `yaml:"to"`
}

// DefaultWindows is the standard four-window configuration.
func DefaultWindows() []WindowDef {
	return []WindowDef{
		{Name: WindowHot, From: 0, To: 15 * time.Minute},
		{Name: WindowWorking, From: 15 * time.Minute, To: 4 * time.Hour},
		{Name: WindowLongTerm, From: 4 * time.Hour, To: 3 * 24 * time.Hour},
		{Name: WindowArchive, From: 3 * 24 * time.Hour, To: 0},
	}
}

// CompactWindows is the three-window configuration for larger deployments:
// no archive window, and anything older than 90 days falls out of retrieval
// entirely.
func CompactWindows() []WindowDef {
	return []WindowDef{
		{Name: WindowHot, From: 0, To: 4 * time.Hour},
		{Name: WindowWorking, From: 4 * time.Hour, To: 3 * 24 * time.Hour},
		{Name: WindowLongTerm, From: 3 * 24 * time.Hour, To: 90 * 24 * time.Hour},
	}
}

// ValidateWindows checks that defs form a contiguous, ascending cover
// starting at age zero, with at most one unbounded (last) window.
func ValidateWindows(defs []WindowDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("engine: at least one window is required")
	}
	if defs[0].From != 0 {
		return fmt.Errorf("engine: first window must start at age 0, got %s", defs[0].From)
	}
	for i, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("engine: window %d has no name", i)
		}
		last := i == len(defs)-1
		if d.To <= 0 && !last {
			return fmt.Errorf("engine: window %q is unbounded but not last", d.Name)
		}
		if d.To > 0 && d.To <= d.From {
			return fmt.Errorf("engine: window %q has To %s <= From %s", d.Name, d.To, d.From)
		}
		if !last && defs[i+1].From != d.To {
			return fmt.Errorf("engine: gap between window %q (to %s) and %q (from %s)",
				d.Name, d.To, defs[i+1].Name, defs[i+1].From)
		}
	}
	return nil
}

// classify returns the window containing age, or "" when age falls outside
// every window (only possible when the last window is bounded).
func classify(defs []WindowDef, age time.Duration) string {
	for _, d := range defs {
		if age < d.From {
			continue
		}
		if d.To <= 0 || age < d.To {
			return d.Name
		}
	}
	return ""
}

// horizon returns the oldest age any window covers, or 0 when the last
// window is unbounded.
func horizon(defs []WindowDef) time.Duration {
	last := defs[len(defs)-1]
	return last.To
}
