package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/metrics"
	"github.com/google/uuid"
)

// Target addresses a notification to a user, a role, or both. Either match is
// enough for an actor to see it.
type Target struct {
	RecipientID   string        `json:"recipient_id,omitempty"`
	RecipientRole identity.Role `json:"recipient_role,omitempty"`
}

// ToUser targets a single user.
func ToUser(id string) Target { return Target{RecipientID: id} }

// ToRole targets every actor holding role.
func ToRole(role identity.Role) Target { return Target{RecipientRole: role} }

// Valid reports whether at least one recipient field is set.
func (t Target) Valid() bool {
	return strings.TrimSpace(t.RecipientID) != "" || t.RecipientRole != ""
}

// Matches reports whether the actor is a recipient.
func (t Target) Matches(a identity.Actor) bool {
	if t.RecipientID != "" && t.RecipientID == a.ID {
		return true
	}
	return t.RecipientRole != "" && t.RecipientRole == a.Role
}

// Key is a stable routing key, e.g. "role.junior-finance" or "user.ana".
func (t Target) Key() string {
	if t.RecipientID != "" {
		return "user." + t.RecipientID
	}
	return "role." + string(t.RecipientRole)
}

// Notification is one stored notice.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	Date      time.Time `json:"date"`
	Recipient Target    `json:"recipient"`
}

// Dispatcher receives every stored notification for outbound delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRetention bounds the number of stored notifications. When the bound is
// exceeded the oldest read notifications are dropped; unread ones are kept.
func WithRetention(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.retention = limit
		}
	}
}

// WithDispatcher forwards stored notifications to d.
func WithDispatcher(d Dispatcher) RouterOption {
	return func(r *Router) {
		r.dispatcher = d
	}
}

// Router stores notifications and answers per-actor visibility queries.
type Router struct {
	mu         sync.RWMutex
	items      []Notification // newest first
	now        func() time.Time
	retention  int
	dispatcher Dispatcher
}

// NewRouter builds an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Publish stores an unread notification for target. It is a no-op when the
// message is blank or the target names nobody.
func (r *Router) Publish(ctx context.Context, message string, target Target) (Notification, bool) {
	message = strings.TrimSpace(message)
	if message == "" || !target.Valid() {
		return Notification{}, false
	}
	n := Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Date:      r.now(),
		Recipient: target,
	}

	r.mu.Lock()
	r.items = append([]Notification{n}, r.items...)
	r.pruneLocked()
	r.mu.Unlock()
	metrics.IncNotification()

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, n)
	}
	return n, true
}

func (r *Router) pruneLocked() {
	if r.retention <= 0 || len(r.items) <= r.retention {
		return
	}
	excess := len(r.items) - r.retention
	kept := make([]Notification, 0, len(r.items))
	// walk oldest to newest so the oldest read ones go first
	for i := len(r.items) - 1; i >= 0; i-- {
		n := r.items[i]
		if excess > 0 && n.Read {
			excess--
			continue
		}
		kept = append(kept, n)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	r.items = kept
}

// VisibleTo returns the notifications addressed to actor, newest first.
func (r *Router) VisibleTo(actor identity.Actor) []Notification {
	if !actor.Valid() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Notification, 0)
	for _, n := range r.items {
		if n.Recipient.Matches(actor) {
			out = append(out, n)
		}
	}
	return out
}

// UnreadCount returns how many visible notifications are unread.
func (r *Router) UnreadCount(actor identity.Actor) int {
	count := 0
	for _, n := range r.VisibleTo(actor) {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkAllReadFor flips every notification visible to actor to read and returns
// how many changed.
func (r *Router) MarkAllReadFor(actor identity.Actor) int {
	if !actor.Valid() {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for i := range r.items {
		if !r.items[i].Read && r.items[i].Recipient.Matches(actor) {
			r.items[i].Read = true
			changed++
		}
	}
	return changed
}
