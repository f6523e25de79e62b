package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agis-digital/agis-api/internal/models"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
	"github.com/agis-digital/agis-api/pkg/password"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
}

type tokenRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) error
}

// CreateUserRequest represents the payload for creating users. An empty role
// defaults to USER.
type CreateUserRequest struct {
	Email    string      `json:"email" validate:"required,email"`
	FullName string      `json:"full_name" validate:"required,min=2"`
	Password string      `json:"password" validate:"required,min=8,max=128"`
	Role     models.Role `json:"role" validate:"omitempty,oneof=USER COLLABORATOR SUPERVISOR MANAGER ADMIN"`
}

// UpdateUserRequest carries the mutable user fields; empty fields are left
// unchanged.
type UpdateUserRequest struct {
	FullName string      `json:"full_name" validate:"omitempty,min=2"`
	Email    string      `json:"email" validate:"omitempty,email"`
	Password string      `json:"password" validate:"omitempty,min=8,max=128"`
	Role     models.Role `json:"role" validate:"omitempty,oneof=USER COLLABORATOR SUPERVISOR MANAGER ADMIN"`
}

// UserService handles user management workflows behind the authorization
// policy.
type UserService struct {
	repo      userRepository
	tokens    tokenRevoker
	policy    *Policy
	audit     *AuditService
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, tokens tokenRevoker, policy *Policy, audit *AuditService, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, tokens: tokens, policy: policy, audit: audit, cache: cache, validator: validate, logger: logger}
}

// List returns paginated users and pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	pagination := &models.Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}

	return users, pagination, nil
}

// Get returns a user by ID, served from cache when possible.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	if user, ok := s.cache.GetUser(ctx, id); ok {
		return user, nil
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	s.cache.SetUser(ctx, user)
	return user, nil
}

// Create adds a new user after the actor passes the role-assignment check.
func (s *UserService) Create(ctx context.Context, req CreateUserRequest, actor models.UserInfo) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid create user payload")
	}

	role := req.Role
	if role == "" {
		role = models.RoleUser
	}

	if err := s.policy.AuthorizeAssignRole(ctx, actor, role, "create"); err != nil {
		return nil, err
	}

	email := NormalizeEmail(req.Email)

	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}

	passwordHash, err := password.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     req.FullName,
		Role:         role,
		Active:       true,
		PasswordHash: passwordHash,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.audit.Record(&actor.ID, models.AuditActionUserCreated, "users", &user.ID, map[string]interface{}{
		"email": user.Email,
		"role":  user.Role,
	})

	return user, nil
}

// Update modifies the target user after the policy checks pass.
func (s *UserService) Update(ctx context.Context, id string, req UpdateUserRequest, actor models.UserInfo) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := s.policy.AuthorizeModify(ctx, actor, user); err != nil {
		return nil, err
	}

	previousRole := user.Role

	if req.Role != "" {
		if err := s.policy.AuthorizeAssignRole(ctx, actor, req.Role, "update"); err != nil {
			return nil, err
		}
		if err := s.policy.AuthorizeDemotion(ctx, user, req.Role); err != nil {
			return nil, err
		}
		user.Role = req.Role
	}

	if req.Email != "" {
		email := NormalizeEmail(req.Email)
		if email != user.Email {
			if _, err := s.repo.FindByEmail(ctx, email); err == nil {
				return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
			}
			user.Email = email
		}
	}

	if req.FullName != "" {
		user.FullName = req.FullName
	}

	if req.Password != "" {
		hash, err := password.Hash(req.Password)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
		}
		user.PasswordHash = hash
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	s.cache.InvalidateUser(ctx, user.ID)

	if user.Role != previousRole {
		s.audit.Record(&actor.ID, models.AuditActionRoleChanged, "users", &user.ID, map[string]interface{}{
			"from": previousRole,
			"to":   user.Role,
		})
	}
	s.audit.Record(&actor.ID, models.AuditActionUserUpdated, "users", &user.ID, map[string]interface{}{
		"role": user.Role,
	})

	return user, nil
}

// Deactivate soft-deletes the target user and revokes their sessions.
func (s *UserService) Deactivate(ctx context.Context, id string, actor models.UserInfo) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := s.policy.AuthorizeDeactivate(ctx, actor, user); err != nil {
		return nil, err
	}

	if err := s.repo.Deactivate(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	user.Active = false

	if err := s.tokens.RevokeAllForUser(ctx, id); err != nil {
		s.logger.Warn("failed to revoke refresh tokens for deactivated user", zap.String("user_id", id), zap.Error(err))
	}

	s.cache.InvalidateUser(ctx, id)

	s.audit.Record(&actor.ID, models.AuditActionUserDeactivated, "users", &user.ID, map[string]interface{}{
		"email": user.Email,
		"role":  user.Role,
	})

	return user, nil
}
