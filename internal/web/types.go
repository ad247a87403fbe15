package web

import "github.com/funnyzak/replaytap/internal/storage"

// StoredCheckpoint aliases storage.StoredCheckpoint for the web layer.
type StoredCheckpoint = storage.StoredCheckpoint

// ListOptions aliases storage.ListOptions.
type ListOptions = storage.ListOptions

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type string            `json:"type"`
	Data *StoredCheckpoint `json:"data"`
}
