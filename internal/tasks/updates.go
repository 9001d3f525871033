package tasks

import (
	"fmt"

	"github.com/desertthunder/marks/internal/formatter"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// Operation phase enumeration
type Phase int

const (
	Parse Phase = iota
	Dedupe
	Insert
	Refresh
)

func (p Phase) String() string {
	switch p {
	case Parse:
		return "parse"
	case Dedupe:
		return "dedupe"
	case Insert:
		return "insert"
	case Refresh:
		return "refresh"
	default:
		return ""
	}
}

func parsingUpdate(source, format string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Parse,
		Step:    0,
		Total:   1,
		Message: fmt.Sprintf("Reading %s (%s)...", source, format),
	}
}

func parsedUpdate(count int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Parse,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Found %d bookmarks", count),
	}
}

func dedupeUpdate(fresh, skipped int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Dedupe,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("%d new, %d already saved", fresh, skipped),
	}
}

func insertUpdate(step, total int, res EntryResult) ProgressUpdate {
	mark := "✓"
	msg := res.Entry.Title
	if res.Err != nil {
		mark = "✗"
		msg = fmt.Sprintf("%s: %v", res.Entry.Title, res.Err)
	}
	return ProgressUpdate{
		Phase:   Insert,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] %s %s", step, total, mark, msg),
		Data:    res,
	}
}

func plannedUpdate(step, total int, e formatter.Entry) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Insert,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] would add %s (%s)", step, total, e.Title, e.URL),
	}
}

func refreshUpdate() ProgressUpdate {
	return ProgressUpdate{
		Phase:   Refresh,
		Step:    1,
		Total:   1,
		Message: "Refreshing bookmarks...",
	}
}
