package models

import (
	"time"
)

// WebhookEvent is the dedup ledger row for one gateway event id. A row that
// exists with Processed set means the event must not be applied again.
type WebhookEvent struct {
	EventID        string     `bson:"_id" json:"event_id"`
	EventType      string     `bson:"event_type" json:"event_type"`
	Processed      bool       `bson:"processed" json:"processed"`
	Payload        string     `bson:"payload" json:"-"`
	FirstSeenAt    time.Time  `bson:"first_seen_at" json:"first_seen_at"`
	ProcessedAt    *time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	Attempts       int        `bson:"attempts" json:"attempts"`
	LastError      string     `bson:"last_error,omitempty" json:"last_error,omitempty"`
	DeadLettered   bool       `bson:"dead_lettered" json:"dead_lettered"`
	DeadLetteredAt *time.Time `bson:"dead_lettered_at,omitempty" json:"dead_lettered_at,omitempty"`
}
