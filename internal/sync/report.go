package sync

import "time"

// Report summarizes one reconciliation pass.
type Report struct {
	ConnectionID int64  `json:"connection_id"`
	Connection   string `json:"connection"`

	Created           int `json:"created"`
	Updated           int `json:"updated"`
	Retired           int `json:"retired"`
	MarkedRemoved     int `json:"marked_removed"`
	Recreated         int `json:"recreated"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	Failed            int `json:"failed"`

	Errors    []error       `json:"-"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Changes returns the number of sink-visible changes the pass made.
func (r *Report) Changes() int {
	return r.Created + r.Updated + r.Retired + r.MarkedRemoved
}

// ErrorMessages returns the per-record failures as strings.
func (r *Report) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

func (r *Report) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// ChannelResult is the outcome of bulk retirement for one channel. Reason is
// set when the channel was skipped or stopped early.
type ChannelResult struct {
	ConnectionID int64  `json:"connection_id"`
	Connection   string `json:"connection"`
	ChannelID    string `json:"channel_id"`
	Removed      int    `json:"removed"`
	Failed       int    `json:"failed"`
	Untracked    int64  `json:"untracked"`
	Reason       string `json:"reason,omitempty"`
}

// BulkReport summarizes a bulk retirement run.
type BulkReport struct {
	TotalRemoved int             `json:"total_removed"`
	Channels     []ChannelResult `json:"channels"`
}
