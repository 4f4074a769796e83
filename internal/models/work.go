package models

import "time"

// WorkItem is one durable batch of queued documents. The ID is a content hash
// of the sorted document references, so re-populating the same workspace
// produces the same batch identities. Never mutated after creation.
type WorkItem struct {
	ID           string   `json:"id"`
	DocumentRefs []string `json:"document_refs"`
}

// Lease is a time-bounded exclusive claim on a WorkItem. At most one
// non-expired lease exists per item; an expired lease is treated as absent.
type Lease struct {
	WorkItemID string    `json:"work_item_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer authoritative at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
