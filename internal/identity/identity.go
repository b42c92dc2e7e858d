// Package identity models the actors of the farewell workflow and resolves the
// current actor for a request.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Role is the closed set of workflow roles.
type Role string

const (
	RoleClient        Role = "client"
	RoleReceptor      Role = "receptor"
	RoleOperational   Role = "operational"
	RoleJuniorFinance Role = "junior-finance"
	RoleSeniorFinance Role = "senior-finance"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleClient, RoleReceptor, RoleOperational, RoleJuniorFinance, RoleSeniorFinance}
}

// ParseRole maps a configured string onto a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleReceptor, RoleOperational, RoleJuniorFinance, RoleSeniorFinance:
		return true
	default:
		return false
	}
}

// ChatSide says which end of a conversation an actor sits on.
type ChatSide int

const (
	SideNone ChatSide = iota
	SideClient
	SideReceptor
)

// Side returns the chat side of a role. Staff roles other than the receptor do
// not take part in chat.
func (r Role) Side() ChatSide {
	switch r {
	case RoleClient:
		return SideClient
	case RoleReceptor:
		return SideReceptor
	case RoleOperational, RoleJuniorFinance, RoleSeniorFinance:
		return SideNone
	default:
		return SideNone
	}
}

// Schedules reports whether the role may stage and commit farewell bookings.
// Operational staff run the calendar; junior finance owns the removals it books.
func (r Role) Schedules() bool {
	switch r {
	case RoleOperational, RoleJuniorFinance:
		return true
	case RoleClient, RoleReceptor, RoleSeniorFinance:
		return false
	default:
		return false
	}
}

// Actor is the authenticated user behind an operation.
type Actor struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
}

// Valid reports whether the actor carries enough context to act.
func (a Actor) Valid() bool {
	return strings.TrimSpace(a.ID) != "" && a.Role.Valid()
}

// System is the actor used for automated transitions such as the sweep.
var System = Actor{ID: "system", Name: "Farewell scheduler", Role: RoleOperational}

type ctxKey struct{}

// WithActor stores the actor on ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the current actor, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	if !ok || !a.Valid() {
		return Actor{}, false
	}
	return a, true
}

// Directory is the in-memory user lookup standing in for real authentication.
type Directory struct {
	mu     sync.RWMutex
	actors map[string]Actor
}

// NewDirectory builds a directory from the configured users. Entries with an
// empty id or an unknown role are rejected.
func NewDirectory(users []Actor) (*Directory, error) {
	d := &Directory{actors: make(map[string]Actor, len(users))}
	for _, u := range users {
		if err := d.Add(u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers or replaces a user.
func (d *Directory) Add(a Actor) error {
	a.ID = strings.TrimSpace(a.ID)
	if !a.Valid() {
		return fmt.Errorf("invalid user %q with role %q", a.ID, a.Role)
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	d.mu.Lock()
	d.actors[a.ID] = a
	d.mu.Unlock()
	return nil
}

// Lookup resolves a user id.
func (d *Directory) Lookup(id string) (Actor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[strings.TrimSpace(id)]
	return a, ok
}
