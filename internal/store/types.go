package store

import "time"

// AuditRow is one exported ledger record. Raw keeps the exact line that was
// hashed so an export can be re-verified offline.
type AuditRow struct {
	Seq         int64
	Timestamp   time.Time
	Action      string
	Actor       string
	Credential  string
	Success     *bool
	Error       string
	PrevHash    string
	EntryHash   string
	HashVersion int
	Raw         string
}

// CredentialRow is one registry entry in the exported snapshot.
type CredentialRow struct {
	Name             string
	Description      string
	CreatedAt        *time.Time
	RotatedAt        *time.Time
	EncryptionKey    string
	Tags             []string
	Services         []string
	RotationSchedule string
	SnapshotAt       time.Time
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	Credential string
	Action     string
	Limit      int
}

// ExportResult summarizes one ledger export.
type ExportResult struct {
	Inserted  int `json:"inserted"`
	Unchanged int `json:"unchanged"`
	// Diverged lists sequence numbers already exported with different
	// content: the ledger was rewritten since the last export.
	Diverged []int64 `json:"diverged,omitempty"`
}
