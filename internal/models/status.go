package models

import "time"

// SyncStatus is the observable state of the sync engine. It is rebuilt from the queue on
// every change and never read back as a source of truth.
type SyncStatus struct {
	IsSyncing    bool       `json:"is_syncing"`
	Online       bool       `json:"online"`
	PendingCount int        `json:"pending_count"`
	Exhausted    int        `json:"exhausted"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// SyncMeta is the pull watermark for one entity.
type SyncMeta struct {
	Entity       string    `json:"entity"`
	LastPulledAt time.Time `json:"last_pulled_at"`
	Cursor       string    `json:"cursor,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Entity is a pull registration: which collection a remote list endpoint feeds.
type Entity struct {
	Name       string `yaml:"name" json:"name"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Collection string `yaml:"collection" json:"collection"`
}

// CollectionName falls back to the entity name.
func (e Entity) CollectionName() string {
	if e.Collection != "" {
		return e.Collection
	}
	return e.Name
}
