package notifier

import "time"

// Config controls admin alert delivery.
type Config struct {
	// AdminID is the chat alerts go to. Zero disables the notifier.
	AdminID         int64
	RatePerSec      int
	SendTimeout     time.Duration
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

type HistoryItem struct {
	At   time.Time
	Text string
}
