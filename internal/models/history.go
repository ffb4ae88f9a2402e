package models

import (
	"encoding/json"
	"time"
)

// Transition channels recorded on history entries.
const (
	ChannelAPI            = "api"
	ChannelWebhook        = "webhook"
	ChannelReconciliation = "reconciliation"
	ChannelSystem         = "system"
)

// MetadataSchemaVersion is the current history metadata schema.
const MetadataSchemaVersion = 1

// HistoryMetadata is the structured payload attached to a transition,
// versioned so stored entries can evolve safely.
type HistoryMetadata struct {
	SchemaVersion int             `json:"schema_version"`
	GatewayStatus string          `json:"gateway_status,omitempty"`
	ChargeID      string          `json:"charge_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	RawEvent      json.RawMessage `json:"raw_event,omitempty"`
}

// Encode marshals the metadata for storage, stamping the schema version.
func (m HistoryMetadata) Encode() []byte {
	m.SchemaVersion = MetadataSchemaVersion
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// StatusHistoryEntry is one append-only record in the audit ledger.
// Entries are never mutated or deleted; previous_status is null only on the
// initial entry written at creation time.
type StatusHistoryEntry struct {
	ID             string            `db:"id" json:"id"`
	EnrollmentID   string            `db:"enrollment_id" json:"enrollment_id"`
	PreviousStatus *EnrollmentStatus `db:"previous_status" json:"previous_status,omitempty"`
	NewStatus      EnrollmentStatus  `db:"new_status" json:"new_status"`
	Reason         string            `db:"reason" json:"reason"`
	ActorID        *string           `db:"actor_id" json:"actor_id,omitempty"`
	Channel        string            `db:"channel" json:"channel"`
	Metadata       []byte            `db:"metadata" json:"-"`
	CreatedAt      time.Time         `db:"created_at" json:"timestamp_utc"`
}

// AuditRecord is the read-only export shape of a history entry.
type AuditRecord struct {
	EnrollmentID   string            `json:"enrollment_id"`
	PreviousStatus *EnrollmentStatus `json:"previous_status,omitempty"`
	NewStatus      EnrollmentStatus  `json:"new_status"`
	Reason         string            `json:"reason"`
	ActorID        *string           `json:"actor_id,omitempty"`
	Channel        string            `json:"channel"`
	TimestampUTC   time.Time         `json:"timestamp_utc"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
}

// AuditRecord converts the entry into its export shape.
func (e StatusHistoryEntry) AuditRecord() AuditRecord {
	rec := AuditRecord{
		EnrollmentID:   e.EnrollmentID,
		PreviousStatus: e.PreviousStatus,
		NewStatus:      e.NewStatus,
		Reason:         e.Reason,
		ActorID:        e.ActorID,
		Channel:        e.Channel,
		TimestampUTC:   e.CreatedAt.UTC(),
	}
	if len(e.Metadata) > 0 {
		rec.Metadata = json.RawMessage(e.Metadata)
	}
	return rec
}
