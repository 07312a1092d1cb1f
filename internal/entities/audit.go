package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RequestMetadata is optional request information recorded with a decision
type RequestMetadata struct {
	IPAddress string `json:"ipAddress,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// PermissionAuditEntry is an immutable record of one decision
type PermissionAuditEntry struct {
	ID              string             `json:"id"`
	Sequence        uint64             `json:"sequence"`
	UserID          string             `json:"userId"`
	Action          PermissionAction   `json:"action"`
	Resource        PermissionResource `json:"resource"`
	ResourceID      string             `json:"resourceId,omitempty"`
	Permission      PermissionKey      `json:"permission"`
	RoleID          string             `json:"roleId,omitempty"`
	Success         bool               `json:"success"`
	Reason          DecisionReason     `json:"reason"`
	ServedFromCache bool               `json:"servedFromCache"`
	Timestamp       time.Time          `json:"timestamp"`
	Metadata        *RequestMetadata   `json:"metadata,omitempty"`
	PrevHash        string             `json:"prevHash"`
	Hash            string             `json:"hash"`
}

// ComputeHash returns sha256(prevHash || canonical entry) as hex. The hash
// field itself is excluded from the digest.
func (e *PermissionAuditEntry) ComputeHash() string {
	c := *e
	c.Hash = ""
	c.Timestamp = c.Timestamp.UTC()
	payload, _ := json.Marshal(c)
	sum := sha256.Sum256(append([]byte(e.PrevHash), payload...))
	return hex.EncodeToString(sum[:])
}

// AuditFilter selects audit entries. Zero fields do not filter.
type AuditFilter struct {
	UserID   string
	Resource PermissionResource
	Success  *bool
	From     time.Time
	To       time.Time
	// MinSequence and MaxSequence bound the sequence, inclusive
	MinSequence uint64
	MaxSequence uint64
	Limit       int
}

// Matches reports whether the entry satisfies the filter
func (f *AuditFilter) Matches(e *PermissionAuditEntry) bool {
	if f == nil {
		return true
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if f.MinSequence > 0 && e.Sequence < f.MinSequence {
		return false
	}
	if f.MaxSequence > 0 && e.Sequence > f.MaxSequence {
		return false
	}
	return true
}
