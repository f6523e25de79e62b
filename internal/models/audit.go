package models

import "time"

// Audit action constants for security-relevant events.
const (
	AuditActionLogin               = "LOGIN"
	AuditActionTokenRefresh        = "TOKEN_REFRESH"
	AuditActionLogout              = "LOGOUT"
	AuditActionUserCreated         = "USER_CREATED"
	AuditActionUserUpdated         = "USER_UPDATED"
	AuditActionRoleChanged         = "ROLE_CHANGED"
	AuditActionUserDeactivated     = "USER_DEACTIVATED"
	AuditActionEscalationBlocked   = "ESCALATION_BLOCKED"
	AuditActionDeactivationBlocked = "DEACTIVATION_BLOCKED"
)

// AuditLog represents an append-only audit trail record.
type AuditLog struct {
	ID        string    `db:"id" json:"id"`
	ActorID   *string   `db:"actor_id" json:"actor_id,omitempty"`
	Action    string    `db:"action" json:"action"`
	Entity    string    `db:"entity" json:"entity"`
	EntityID  *string   `db:"entity_id" json:"entity_id,omitempty"`
	Metadata  []byte    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
