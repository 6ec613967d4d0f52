package domain

import "time"

// JobEvent is an append-only audit record. One event is written per
// reconciliation decision that changes status or advances stage; events are
// never mutated or deleted.
type JobEvent struct {
	ID             string
	JobID          string
	UserID         string
	Stage          Stage
	Status         Status
	ProviderTaskID *string
	Payload        map[string]any
	CreatedAt      time.Time
}
