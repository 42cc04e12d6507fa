// Package diag produces non-fatal observations about mount-state health.
// Issues are regenerated on demand and never persisted; the status views
// consume them read-only.
package diag

import (
	"fmt"
	"sort"
)

// Severity grades a diagnostic issue.
type Severity int

const (
	// Info is an observation with no action required.
	Info Severity = iota

	// Warn is an inconsistency the next cycle can repair.
	Warn

	// Error is a failure the operator should see.
	Error
)

// String returns the external name of the severity.
func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler for JSON output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Issue is a single diagnostic observation.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// Module is the module id the issue refers to, if any.
	Module string `json:"module,omitempty"`

	// Partition is the partition the issue refers to, if any.
	Partition string `json:"partition,omitempty"`

	// Path is the specific target path, if the issue is path-level.
	Path string `json:"path,omitempty"`
}

// Infof builds an info-level issue.
func Infof(format string, args ...interface{}) Issue {
	return Issue{Severity: Info, Message: fmt.Sprintf(format, args...)}
}

// Warnf builds a warn-level issue.
func Warnf(format string, args ...interface{}) Issue {
	return Issue{Severity: Warn, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an error-level issue.
func Errorf(format string, args ...interface{}) Issue {
	return Issue{Severity: Error, Message: fmt.Sprintf(format, args...)}
}

// WithModule returns a copy of the issue tagged with a module id.
func (i Issue) WithModule(id string) Issue {
	i.Module = id
	return i
}

// WithPartition returns a copy of the issue tagged with a partition.
func (i Issue) WithPartition(p string) Issue {
	i.Partition = p
	return i
}

// WithPath returns a copy of the issue tagged with a target path.
func (i Issue) WithPath(p string) Issue {
	i.Path = p
	return i
}

// Sort orders issues by severity (most severe first), then module, then
// message, for stable display.
func Sort(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		if issues[a].Severity != issues[b].Severity {
			return issues[a].Severity > issues[b].Severity
		}
		if issues[a].Module != issues[b].Module {
			return issues[a].Module < issues[b].Module
		}
		return issues[a].Message < issues[b].Message
	})
}

// Count returns the number of issues at or above the given severity.
func Count(issues []Issue, min Severity) int {
	n := 0
	for _, i := range issues {
		if i.Severity >= min {
			n++
		}
	}
	return n
}
