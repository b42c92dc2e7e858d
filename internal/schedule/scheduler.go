// Package schedule books removals into the weekly farewell calendar, commits
// staged bookings into the workflow and auto-releases slots whose time has passed.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/metrics"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/farewell/farewelld/internal/workflow"
	"github.com/rs/zerolog"
)

// DefaultReleaseGrace is how long after its start a slot stays booked.
const DefaultReleaseGrace = 30 * time.Minute

// ReleaseAction is the history entry written when a slot is auto-released.
const ReleaseAction = "returned to release queue"

// Notifier stores role-targeted notifications.
type Notifier interface {
	Publish(ctx context.Context, message string, target notify.Target) (notify.Notification, bool)
}

// Persister receives the committed bookings after every commit and sweep.
type Persister interface {
	SaveBookings(bookings map[string]string) error
}

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	Location  *time.Location
	Grace     time.Duration
	Now       func() time.Time
	Persister Persister
}

// CommitReport summarizes a Commit call.
type CommitReport struct {
	Advanced []SlotKey         `json:"advanced"`
	Skipped  []SlotKey         `json:"skipped"`
	Failures map[SlotKey]error `json:"-"`
}

// SweepReport summarizes a Sweep pass.
type SweepReport struct {
	Released  []SlotKey         `json:"released"`
	Malformed []SlotKey         `json:"malformed"`
	Failures  map[SlotKey]error `json:"-"`
}

// Scheduler owns the slot → removal map and the set of staged (dirty) slots.
// The dirty set is always a subset of the schedule's keys.
type Scheduler struct {
	mu       sync.Mutex
	schedule map[SlotKey]string
	dirty    map[SlotKey]struct{}

	// commitMu serializes Commit so a removal's status check and advance are
	// never interleaved with another commit.
	commitMu sync.Mutex
	// persistMu orders snapshot copies with their saves.
	persistMu sync.Mutex

	store     workflow.Store
	notifier  Notifier
	loc       *time.Location
	grace     time.Duration
	now       func() time.Time
	persister Persister
	log       zerolog.Logger
}

// New builds an empty scheduler over store.
func New(store workflow.Store, notifier Notifier, opts Options) *Scheduler {
	s := &Scheduler{
		schedule:  make(map[SlotKey]string),
		dirty:     make(map[SlotKey]struct{}),
		store:     store,
		notifier:  notifier,
		loc:       opts.Location,
		grace:     opts.Grace,
		now:       opts.Now,
		persister: opts.Persister,
		log:       logging.Component("schedule"),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.grace <= 0 {
		s.grace = DefaultReleaseGrace
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Book stages code into key, replacing any previous booking. Malformed keys and
// empty codes are ignored.
func (s *Scheduler) Book(key SlotKey, code string) bool {
	if code == "" || !key.Valid() {
		return false
	}
	s.mu.Lock()
	s.schedule[key] = code
	s.dirty[key] = struct{}{}
	n := len(s.schedule)
	s.mu.Unlock()
	metrics.SetBookedSlots(n)
	s.log.Debug().Str("slot", string(key)).Str("removal", code).Msg("slot booked")
	return true
}

// Unbook clears key from both the schedule and the dirty set.
func (s *Scheduler) Unbook(key SlotKey) bool {
	s.mu.Lock()
	_, booked := s.schedule[key]
	delete(s.schedule, key)
	delete(s.dirty, key)
	n := len(s.schedule)
	s.mu.Unlock()
	if booked {
		metrics.SetBookedSlots(n)
	}
	return booked
}

type booking struct {
	key  SlotKey
	code string
}

func (s *Scheduler) dirtyBookings() []booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]booking, 0, len(s.dirty))
	for k := range s.dirty {
		out = append(out, booking{key: k, code: s.schedule[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Commit advances every staged removal that is still awaiting junior finance
// by one stage, attributing the change to actor and notifying the role that
// owns the next stage. Failures are per slot; the dirty set is cleared once
// every slot has been processed. An invalid actor makes Commit a no-op.
func (s *Scheduler) Commit(ctx context.Context, actor identity.Actor) CommitReport {
	report := CommitReport{Failures: make(map[SlotKey]error)}
	if !actor.Valid() {
		return report
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	pending := s.dirtyBookings()
	for _, b := range pending {
		advanced, err := s.commitSlot(ctx, actor, b)
		switch {
		case err != nil:
			report.Failures[b.key] = err
			metrics.IncCommitFailure()
			s.log.Error().Err(err).Str("slot", string(b.key)).Str("removal", b.code).Msg("commit failed for slot")
		case advanced:
			report.Advanced = append(report.Advanced, b.key)
			metrics.IncAdvanced()
		default:
			report.Skipped = append(report.Skipped, b.key)
		}
	}

	s.mu.Lock()
	for _, b := range pending {
		// a slot re-booked while the commit ran stays staged
		if s.schedule[b.key] == b.code {
			delete(s.dirty, b.key)
		}
	}
	s.mu.Unlock()

	s.persist()
	s.log.Info().Str("actor", actor.ID).Int("advanced", len(report.Advanced)).Int("skipped", len(report.Skipped)).Int("failed", len(report.Failures)).Msg("schedule committed")
	return report
}

func (s *Scheduler) commitSlot(ctx context.Context, actor identity.Actor, b booking) (bool, error) {
	r, err := s.store.Removal(ctx, b.code)
	if err != nil {
		return false, err
	}
	if r.Status != workflow.StatusAwaitingJuniorFinance {
		return false, nil
	}
	next, _ := r.Status.Next()
	at, _, _ := b.key.ScheduledAt(s.loc)
	action := fmt.Sprintf("farewell booked for %s", describeSlot(b.key, at))
	u := workflow.Update{Status: &next, History: []workflow.HistoryEntry{workflow.NewEntry(s.now(), actor, action)}}
	if err := s.store.UpdateRemoval(ctx, b.code, u); err != nil {
		return false, fmt.Errorf("advance removal %s: %w", b.code, err)
	}
	if role, ok := next.Responsible(); ok && s.notifier != nil {
		msg := fmt.Sprintf("Removal %s (%s) has a farewell booked for %s and awaits %s", r.Code, r.PetName, describeSlot(b.key, at), next)
		s.notifier.Publish(ctx, msg, notify.ToRole(role))
	}
	return true, nil
}

func describeSlot(k SlotKey, at time.Time) string {
	if at.IsZero() {
		day, _, err := ParseSlotKey(string(k))
		if err != nil {
			return string(k)
		}
		return day.Format(dateLayout) + " (fit-in)"
	}
	return at.Format("2006-01-02 15:04")
}

// Sweep releases every timed slot whose start plus the grace period is before
// now. Each released removal gets a history entry and the operational role is
// notified; the expired keys then leave the schedule in one update. Malformed
// keys are logged and skipped.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) SweepReport {
	start := time.Now()
	report := SweepReport{Failures: make(map[SlotKey]error)}

	s.mu.Lock()
	expired := make([]booking, 0)
	for k, code := range s.schedule {
		at, timed, err := k.ScheduledAt(s.loc)
		if err != nil {
			report.Malformed = append(report.Malformed, k)
			s.log.Warn().Err(err).Str("slot", string(k)).Msg("skipping malformed slot key")
			continue
		}
		if !timed {
			continue
		}
		if now.After(at.Add(s.grace)) {
			expired = append(expired, booking{key: k, code: code})
		}
	}
	s.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].key < expired[j].key })
	sort.Slice(report.Malformed, func(i, j int) bool { return report.Malformed[i] < report.Malformed[j] })

	for _, b := range expired {
		entry := workflow.NewEntry(now, identity.System, ReleaseAction)
		if err := s.store.UpdateRemoval(ctx, b.code, workflow.Update{History: []workflow.HistoryEntry{entry}}); err != nil {
			report.Failures[b.key] = err
			metrics.IncSweepFailure()
			s.log.Error().Err(err).Str("slot", string(b.key)).Str("removal", b.code).Msg("release history update failed")
		}
		if s.notifier != nil {
			msg := fmt.Sprintf("Removal %s returned to the release queue after slot %s expired", b.code, b.key)
			s.notifier.Publish(ctx, msg, notify.ToRole(identity.RoleOperational))
		}
		report.Released = append(report.Released, b.key)
	}

	if len(expired) > 0 {
		s.mu.Lock()
		schedule := make(map[SlotKey]string, len(s.schedule))
		for k, v := range s.schedule {
			schedule[k] = v
		}
		dirty := make(map[SlotKey]struct{}, len(s.dirty))
		for k := range s.dirty {
			dirty[k] = struct{}{}
		}
		for _, b := range expired {
			if schedule[b.key] == b.code {
				delete(schedule, b.key)
				delete(dirty, b.key)
			}
		}
		s.schedule, s.dirty = schedule, dirty
		n := len(schedule)
		s.mu.Unlock()
		metrics.SetBookedSlots(n)
		s.persist()
	}

	metrics.AddReleased(len(report.Released))
	metrics.SetLastSweep(now)
	metrics.ObserveSweepDuration(time.Since(start).Seconds())
	if len(report.Released) > 0 {
		s.log.Info().Int("released", len(report.Released)).Int("failed", len(report.Failures)).Msg("sweep released expired slots")
	}
	return report
}

// Available returns individual-modality removals awaiting junior finance that
// are not booked in any slot.
func (s *Scheduler) Available(ctx context.Context) ([]workflow.Removal, error) {
	all, err := s.store.Removals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list removals: %w", err)
	}
	s.mu.Lock()
	booked := make(map[string]struct{}, len(s.schedule))
	for _, code := range s.schedule {
		booked[code] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]workflow.Removal, 0)
	for _, r := range all {
		if !r.Modality.Individual() || r.Status != workflow.StatusAwaitingJuniorFinance {
			continue
		}
		if _, ok := booked[r.Code]; ok {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Cell is one bucket of a day in the week view.
type Cell struct {
	Key    SlotKey `json:"key"`
	Bucket Bucket  `json:"bucket"`
	Code   string  `json:"code,omitempty"`
	Dirty  bool    `json:"dirty,omitempty"`
}

// Day is one row of the week view.
type Day struct {
	Date  string `json:"date"`
	Cells []Cell `json:"cells"`
}

// Week returns the Monday-based week containing day.
func (s *Scheduler) Week(day time.Time) []Day {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	monday := d.AddDate(0, 0, -offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Day, 0, 7)
	for i := 0; i < 7; i++ {
		date := monday.AddDate(0, 0, i)
		row := Day{Date: date.Format(dateLayout)}
		for _, b := range Buckets() {
			k := NewSlotKey(date, b)
			_, dirty := s.dirty[k]
			row.Cells = append(row.Cells, Cell{Key: k, Bucket: b, Code: s.schedule[k], Dirty: dirty})
		}
		out = append(out, row)
	}
	return out
}

// Snapshot returns a copy of the schedule.
func (s *Scheduler) Snapshot() map[SlotKey]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[SlotKey]string, len(s.schedule))
	for k, v := range s.schedule {
		out[k] = v
	}
	return out
}

// Dirty returns the staged slot keys, sorted.
func (s *Scheduler) Dirty() []SlotKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SlotKey, 0, len(s.dirty))
	for k := range s.dirty {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore replaces the schedule with committed bookings loaded at startup.
// Keys are taken as-is; the sweep reports any that do not parse.
func (s *Scheduler) Restore(bookings map[string]string) {
	schedule := make(map[SlotKey]string, len(bookings))
	for k, v := range bookings {
		if v != "" {
			schedule[SlotKey(k)] = v
		}
	}
	s.mu.Lock()
	s.schedule = schedule
	s.dirty = make(map[SlotKey]struct{})
	s.mu.Unlock()
	metrics.SetBookedSlots(len(schedule))
}

func (s *Scheduler) persist() {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	out := make(map[string]string, len(s.schedule))
	for k, v := range s.schedule {
		if _, staged := s.dirty[k]; !staged {
			out[string(k)] = v
		}
	}
	s.mu.Unlock()
	if err := s.persister.SaveBookings(out); err != nil {
		s.log.Error().Err(err).Msg("failed to persist schedule")
	}
}
