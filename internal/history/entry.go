package history

import "time"

// Entry is one completed script.
type Entry struct {
	// Database ID (set after insert)
	ID int64

	JobID     string
	Title     string
	AgentName string

	Premise   string
	Script    string
	WordCount int

	CreatedAt time.Time
}
