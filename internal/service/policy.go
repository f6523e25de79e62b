package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
)

type policyUserRepository interface {
	CountActiveByRole(ctx context.Context, role models.Role) (int, error)
}

// Policy decides whether an acting identity may assign roles, modify or
// deactivate other users. Denials are audited with a distinct action so the
// boundary can still collapse them into a plain forbidden response.
type Policy struct {
	repo   policyUserRepository
	audit  *AuditService
	logger *zap.Logger
}

// NewPolicy constructs the authorization policy.
func NewPolicy(repo policyUserRepository, audit *AuditService, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{repo: repo, audit: audit, logger: logger}
}

// AuthorizeAssignRole checks whether the actor may hand out the target role.
// ADMIN may assign any role including ADMIN; everyone else only roles
// strictly below their own.
func (p *Policy) AuthorizeAssignRole(ctx context.Context, actor models.UserInfo, target models.Role, operation string) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}

	if target.Level() >= actor.Role.Level() {
		p.logger.Warn("role escalation blocked",
			zap.String("actor_id", actor.ID),
			zap.String("actor_role", string(actor.Role)),
			zap.String("target_role", string(target)),
			zap.String("operation", operation),
		)
		p.audit.Record(&actor.ID, models.AuditActionEscalationBlocked, "users", nil, map[string]interface{}{
			"actor_role":  actor.Role,
			"target_role": target,
			"operation":   operation,
		})
		return appErrors.Clone(appErrors.ErrEscalationBlocked, "cannot assign a role equal to or higher than your own")
	}

	return nil
}

// AuthorizeModify checks whether the actor may change the target user:
// strictly higher role, or ADMIN acting on a non-ADMIN.
func (p *Policy) AuthorizeModify(ctx context.Context, actor models.UserInfo, target *models.User) error {
	if p.canActOn(actor.Role, target.Role) {
		return nil
	}

	p.logger.Warn("user modification blocked",
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)),
		zap.String("target_id", target.ID),
		zap.String("target_role", string(target.Role)),
	)
	p.audit.Record(&actor.ID, models.AuditActionEscalationBlocked, "users", &target.ID, map[string]interface{}{
		"actor_role":  actor.Role,
		"target_role": target.Role,
		"operation":   "update",
	})
	return appErrors.Clone(appErrors.ErrEscalationBlocked, "cannot modify a user with equal or higher role")
}

// AuthorizeDeactivate checks whether the actor may deactivate the target.
// Self-deactivation is always denied, and the last active ADMIN cannot be
// deactivated. The admin count is read live at decision time.
func (p *Policy) AuthorizeDeactivate(ctx context.Context, actor models.UserInfo, target *models.User) error {
	if actor.ID == target.ID {
		// No audit event here: locking yourself out is user error, not a
		// privilege probe like the hierarchy denial below.
		return appErrors.Clone(appErrors.ErrDeactivationBlocked, "cannot deactivate your own account")
	}

	if !p.canActOn(actor.Role, target.Role) {
		p.logger.Warn("user deactivation blocked",
			zap.String("actor_id", actor.ID),
			zap.String("actor_role", string(actor.Role)),
			zap.String("target_id", target.ID),
			zap.String("target_role", string(target.Role)),
		)
		p.audit.Record(&actor.ID, models.AuditActionDeactivationBlocked, "users", &target.ID, map[string]interface{}{
			"actor_role":  actor.Role,
			"target_role": target.Role,
		})
		return appErrors.Clone(appErrors.ErrDeactivationBlocked, "cannot deactivate a user with equal or higher role")
	}

	if target.Role == models.RoleAdmin {
		if err := p.guardLastAdmin(ctx, "cannot deactivate the last active admin"); err != nil {
			return err
		}
	}

	return nil
}

// AuthorizeDemotion applies the last-admin guard to role changes that move
// an ADMIN target away from ADMIN.
func (p *Policy) AuthorizeDemotion(ctx context.Context, target *models.User, newRole models.Role) error {
	if target.Role != models.RoleAdmin || newRole == models.RoleAdmin {
		return nil
	}
	return p.guardLastAdmin(ctx, "cannot demote the last active admin")
}

func (p *Policy) canActOn(actorRole, targetRole models.Role) bool {
	if actorRole.Above(targetRole) {
		return true
	}
	return actorRole == models.RoleAdmin && targetRole != models.RoleAdmin
}

func (p *Policy) guardLastAdmin(ctx context.Context, message string) error {
	count, err := p.repo.CountActiveByRole(ctx, models.RoleAdmin)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count active admins")
	}
	if count <= 1 {
		return appErrors.Clone(appErrors.ErrLastAdminProtected, message)
	}
	return nil
}
