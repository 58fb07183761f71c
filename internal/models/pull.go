package models

import "time"

// PullRequest asks the remote for changes of one entity. Cursor wins over Since;
// with neither set the remote returns a full snapshot.
type PullRequest struct {
	Entity   string
	Endpoint string
	Cursor   string
	Since    *time.Time
}

// PullResult is everything returned for one PullRequest, across pages.
type PullResult struct {
	Records []Record
	Cursor  string
	Pages   int
}
