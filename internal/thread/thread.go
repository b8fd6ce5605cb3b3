// Package thread holds the storage-independent conversation model: thread
// records, the stored message representation, chat projection, and the
// reconciliation of client-submitted batches against known history.
package thread

import "strings"

// Metadata is the free-form per-thread metadata blob. KnownMessageIDs is the
// append-only set of client message ids already incorporated into history;
// it only ever grows and is used for deduplication, never ordering.
type Metadata struct {
	KnownMessageIDs []string       `json:"known_message_ids,omitempty"`
	Source          string         `json:"source,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CustomData      map[string]any `json:"custom_data,omitempty"`
}

// Knows reports whether a client message id was already incorporated.
func (m *Metadata) Knows(id string) bool {
	if m == nil {
		return false
	}
	id = strings.TrimSpace(id)
	for _, known := range m.KnownMessageIDs {
		if known == id {
			return true
		}
	}
	return false
}

// Thread is one persisted conversation.
type Thread struct {
	ID              string
	Owner           string
	Title           string
	Metadata        Metadata
	CreatedAtUnixMs int64
	UpdatedAtUnixMs int64
}

// Summary is the listing projection for a thread.
type Summary struct {
	ID              string
	Title           string
	MessageCount    int
	UpdatedAtUnixMs int64
}
