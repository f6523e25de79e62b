package models

import "time"

// Role represents the access level of a user. Roles form a strict total
// order; comparisons are done on the numeric level.
type Role string

const (
	RoleUser         Role = "USER"
	RoleCollaborator Role = "COLLABORATOR"
	RoleSupervisor   Role = "SUPERVISOR"
	RoleManager      Role = "MANAGER"
	RoleAdmin        Role = "ADMIN"
)

var roleLevels = map[Role]int{
	RoleUser:         1,
	RoleCollaborator: 2,
	RoleSupervisor:   3,
	RoleManager:      4,
	RoleAdmin:        5,
}

// Level returns the numeric rank of the role. Unknown roles rank below USER.
func (r Role) Level() int {
	return roleLevels[r]
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// AtLeast reports whether the role ranks equal to or higher than other.
func (r Role) AtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// Above reports whether the role ranks strictly higher than other.
func (r Role) Above(other Role) bool {
	return r.Level() > other.Level()
}

// User represents an application user stored in the users table.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	FullName     string    `db:"full_name" json:"full_name"`
	Role         Role      `db:"role" json:"role"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *Role
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
