package model

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanManageMembers reports whether the role may add or remove team members.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanPublish reports whether the role may publish packages under the team.
func (r Role) CanPublish() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanDeleteTeam reports whether the role may delete the team.
func (r Role) CanDeleteTeam() bool {
	return r == RoleOwner
}

type Team struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	OwnerID     string        `json:"ownerId"`
	CreatedAt   time.Time     `json:"createdAt"`
	Members     []*TeamMember `json:"members,omitempty"`
	// MemberRole is the requesting user's role in the team, omitted for
	// unauthenticated listings.
	MemberRole Role `json:"memberRole,omitempty"`
}

type TeamMember struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}
