package models

import "time"

// SaveRecord is a save journal entry.
type SaveRecord struct {
	ID        string    `json:"id"`
	Script    string    `json:"script"`
	Timestamp time.Time `json:"timestamp"`
	Options   string    `json:"options"`
	Requests  int       `json:"requests"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Errors    []string  `json:"errors,omitempty"`
}

// ShortID returns the first 8 characters of the record ID.
func (r *SaveRecord) ShortID() string {
	if len(r.ID) > 8 {
		return r.ID[:8]
	}
	return r.ID
}
