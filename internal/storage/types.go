package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionEntryResult     = "entry.result"
	ActionEntryScheduled  = "entry.scheduled"
	ActionEntryCancelled  = "entry.cancelled"
	ActionAccountRegister = "account.register"
	ActionAccountRemove   = "account.remove"
	ActionAccountDefault  = "account.default"
	ActionAccountInvalid  = "account.invalid"
	ActionAccountActive   = "account.active"
)

// AuditEntry records one entry outcome or account operation.
// Keep it compact and schema-stable. It never carries a token.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ActorID    string    `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	JobID      string    `json:"job_id,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	ScrimID    int64     `json:"scrim_id,omitempty"`
	TeamID     int64     `json:"team_id,omitempty"`
	OK         bool      `json:"ok"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
}
