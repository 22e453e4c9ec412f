package domain

// ActorRole is the role the authorization collaborator vouches for.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleStaff    ActorRole = "staff"
	RoleAdmin    ActorRole = "admin"
	RoleRider    ActorRole = "rider"
	RoleSystem   ActorRole = "system"
)

// ParseActorRole validates s.
func ParseActorRole(s string) (ActorRole, bool) {
	r := ActorRole(s)
	switch r {
	case RoleCustomer, RoleStaff, RoleAdmin, RoleRider, RoleSystem:
		return r, true
	}
	return "", false
}

// Privileged reports whether the role acts on behalf of the business.
func (r ActorRole) Privileged() bool {
	return r == RoleStaff || r == RoleAdmin || r == RoleSystem
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID         string
	Role       ActorRole
	BusinessID string
}

// SystemActor is used by background workers.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
