package models

import "time"

// IdentityRecord is what the service reported for an entity saved from a
// change script, keyed by the script's name for the entity.
type IdentityRecord struct {
	Key       string    `json:"key"`
	EntitySet string    `json:"entity_set"`
	Identity  string    `json:"identity"`
	EditLink  string    `json:"edit_link"`
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
