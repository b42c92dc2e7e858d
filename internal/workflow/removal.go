// Package workflow holds removal records and their status transitions. The
// coordination engines only reach it through the Store interface.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/farewell/farewelld/internal/identity"
)

// ErrUnknownRemoval is returned when a removal code is not in the store.
var ErrUnknownRemoval = errors.New("unknown removal")

// Status is a removal's workflow stage.
type Status string

const (
	StatusRequested             Status = "requested"
	StatusScheduled             Status = "scheduled"
	StatusAwaitingJuniorFinance Status = "awaiting-junior-finance"
	StatusAwaitingSignOff       Status = "awaiting-sign-off"
	StatusFinalized             Status = "finalized"
)

// Next returns the stage after s. Finalized is terminal.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusRequested:
		return StatusScheduled, true
	case StatusScheduled:
		return StatusAwaitingJuniorFinance, true
	case StatusAwaitingJuniorFinance:
		return StatusAwaitingSignOff, true
	case StatusAwaitingSignOff:
		return StatusFinalized, true
	default:
		return s, false
	}
}

// Responsible returns the role that must act on a removal in status s.
func (s Status) Responsible() (identity.Role, bool) {
	switch s {
	case StatusRequested:
		return identity.RoleReceptor, true
	case StatusScheduled:
		return identity.RoleOperational, true
	case StatusAwaitingJuniorFinance:
		return identity.RoleJuniorFinance, true
	case StatusAwaitingSignOff:
		return identity.RoleSeniorFinance, true
	default:
		return "", false
	}
}

// Modality is the cremation service level.
type Modality string

const (
	ModalityCollective       Modality = "collective"
	ModalityIndividualSilver Modality = "individual-silver"
	ModalityIndividualGold   Modality = "individual-gold"
)

// Individual reports whether the modality includes a farewell ceremony.
func (m Modality) Individual() bool {
	return m == ModalityIndividualSilver || m == ModalityIndividualGold
}

// HistoryEntry records one action taken on a removal.
type HistoryEntry struct {
	At        time.Time     `json:"at" yaml:"at"`
	ActorID   string        `json:"actor_id" yaml:"actor_id"`
	ActorName string        `json:"actor_name" yaml:"actor_name"`
	ActorRole identity.Role `json:"actor_role" yaml:"actor_role"`
	Action    string        `json:"action" yaml:"action"`
}

// NewEntry attributes an action to actor at time at.
func NewEntry(at time.Time, actor identity.Actor, action string) HistoryEntry {
	return HistoryEntry{At: at, ActorID: actor.ID, ActorName: actor.Name, ActorRole: actor.Role, Action: action}
}

// Removal is one pet-removal request.
type Removal struct {
	Code      string         `json:"code" yaml:"code"`
	PetName   string         `json:"pet_name" yaml:"pet_name"`
	TutorID   string         `json:"tutor_id" yaml:"tutor_id"`
	TutorName string         `json:"tutor_name" yaml:"tutor_name"`
	Modality  Modality       `json:"modality" yaml:"modality"`
	Status    Status         `json:"status" yaml:"status"`
	History   []HistoryEntry `json:"history" yaml:"history"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// Update is a partial change applied by UpdateRemoval. A nil Status leaves the
// status untouched; History entries are appended in order.
type Update struct {
	Status  *Status
	History []HistoryEntry
}

// Store is the removal store contract consumed by the engines.
type Store interface {
	// Removals returns every removal in creation order.
	Removals(ctx context.Context) ([]Removal, error)
	Removal(ctx context.Context, code string) (Removal, error)
	// UpdateRemoval applies u to the removal identified by code, returning
	// ErrUnknownRemoval when no such removal exists.
	UpdateRemoval(ctx context.Context, code string, u Update) error
	Create(ctx context.Context, r Removal) error
}

func clone(r Removal) Removal {
	r.History = append([]HistoryEntry(nil), r.History...)
	return r
}
