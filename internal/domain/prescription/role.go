package prescription

import "strings"

// Role is the closed set of actor roles the engine understands.
type Role string

const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RolePharmacist Role = "pharmacist"
	RoleAdmin      Role = "admin"
)

var roleAliases = map[string]Role{
	"patient":    RolePatient,
	"doctor":     RoleDoctor,
	"physician":  RoleDoctor,
	"pharmacist": RolePharmacist,
	"pharmacy":   RolePharmacist,
	"chemist":    RolePharmacist,
	"admin":      RoleAdmin,
}

// ParseRole canonicalizes a role claim. It is applied once, where the caller's
// identity enters the system.
func ParseRole(s string) (Role, bool) {
	r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]
	return r, ok
}

// ActorRef identifies an authenticated caller or a notification recipient.
type ActorRef struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Is reports whether the actor holds role r.
func (a ActorRef) Is(r Role) bool { return a.Role == r }

// IsZero reports whether the reference is unset.
func (a ActorRef) IsZero() bool { return a.ID == "" }
