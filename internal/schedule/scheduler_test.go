package schedule

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/notify"
	"github.com/farewell/farewelld/internal/workflow"
)

var operator = identity.Actor{ID: "op-1", Name: "Olga", Role: identity.RoleOperational}

func removal(code string, m workflow.Modality, st workflow.Status, created int) workflow.Removal {
	return workflow.Removal{
		Code:      code,
		PetName:   "Pet " + code,
		Modality:  m,
		Status:    st,
		CreatedAt: time.Date(2024, 6, 1, 0, created, 0, 0, time.UTC),
	}
}

func fixture(t *testing.T, removals ...workflow.Removal) (*Scheduler, *workflow.MemoryStore, *notify.Router) {
	t.Helper()
	store := workflow.NewMemoryStore(removals...)
	router := notify.NewRouter()
	return New(store, router, Options{}), store, router
}

func assertDirtySubset(t *testing.T, s *Scheduler) {
	t.Helper()
	snap := s.Snapshot()
	for _, k := range s.Dirty() {
		if _, ok := snap[k]; !ok {
			t.Fatalf("dirty key %s missing from schedule %v", k, snap)
		}
	}
}

func TestBookRejectsMalformedInput(t *testing.T) {
	s, _, _ := fixture(t)
	cases := []SlotKey{"", "2024-06-03", "2024-06-03-10:00", "2024-13-03-09:00", "2024-06-03_09:00"}
	for _, k := range cases {
		if s.Book(k, "R1") {
			t.Errorf("Book(%q) should be rejected", k)
		}
	}
	if s.Book("2024-06-03-09:00", "") {
		t.Errorf("empty code should be rejected")
	}
	if len(s.Snapshot()) != 0 || len(s.Dirty()) != 0 {
		t.Fatalf("nothing should be booked")
	}
}

func TestBookOverwritesLastWriterWins(t *testing.T) {
	s, _, _ := fixture(t)
	k := SlotKey("2024-06-03-09:00")
	s.Book(k, "R1")
	s.Book(k, "R2")
	if got := s.Snapshot()[k]; got != "R2" {
		t.Fatalf("expected R2, got %q", got)
	}
}

func TestDirtyStaysSubsetOfSchedule(t *testing.T) {
	s, _, _ := fixture(t)
	keys := []SlotKey{"2024-06-03-09:00", "2024-06-03-11:00", "2024-06-04-15:00", "2024-06-05-fit-in"}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		k := keys[rng.Intn(len(keys))]
		if rng.Intn(2) == 0 {
			s.Book(k, "R1")
		} else {
			s.Unbook(k)
		}
		assertDirtySubset(t, s)
	}
}

func TestUnbookReportsWhetherBooked(t *testing.T) {
	s, _, _ := fixture(t)
	k := SlotKey("2024-06-03-09:00")
	if s.Unbook(k) {
		t.Fatalf("unbooking an empty slot should report false")
	}
	s.Book(k, "R1")
	if !s.Unbook(k) {
		t.Fatalf("expected unbook to report true")
	}
	if len(s.Dirty()) != 0 {
		t.Fatalf("unbook must clear the dirty key")
	}
}

func TestCommitAdvancesOnceAndClearsDirty(t *testing.T) {
	s, store, router := fixture(t,
		removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1),
		removal("R2", workflow.ModalityIndividualSilver, workflow.StatusScheduled, 2),
	)
	ctx := context.Background()
	s.Book("2024-06-03-09:00", "R1")
	s.Book("2024-06-03-11:00", "R2")

	report := s.Commit(ctx, operator)
	if len(report.Advanced) != 1 || report.Advanced[0] != "2024-06-03-09:00" {
		t.Fatalf("unexpected advanced: %v", report.Advanced)
	}
	if len(report.Skipped) != 1 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if d := s.Dirty(); len(d) != 0 {
		t.Fatalf("dirty should be empty after commit, got %v", d)
	}
	if len(s.Snapshot()) != 2 {
		t.Fatalf("commit must keep bookings")
	}

	r1, _ := store.Removal(ctx, "R1")
	if r1.Status != workflow.StatusAwaitingSignOff {
		t.Fatalf("R1 status = %s", r1.Status)
	}
	if len(r1.History) != 1 || r1.History[0].ActorID != operator.ID || r1.History[0].ActorRole != identity.RoleOperational {
		t.Fatalf("unexpected history: %+v", r1.History)
	}
	r2, _ := store.Removal(ctx, "R2")
	if r2.Status != workflow.StatusScheduled || len(r2.History) != 0 {
		t.Fatalf("R2 must be untouched: %+v", r2)
	}

	senior := identity.Actor{ID: "s", Role: identity.RoleSeniorFinance}
	if n := router.UnreadCount(senior); n != 1 {
		t.Fatalf("expected senior finance notified once, got %d", n)
	}

	// a second commit has nothing staged
	again := s.Commit(ctx, operator)
	if len(again.Advanced) != 0 {
		t.Fatalf("second commit advanced %v", again.Advanced)
	}
	r1, _ = store.Removal(ctx, "R1")
	if len(r1.History) != 1 {
		t.Fatalf("history must not grow on a second commit")
	}
}

func TestCommitWithoutActorIsNoop(t *testing.T) {
	s, _, _ := fixture(t, removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1))
	s.Book("2024-06-03-09:00", "R1")
	report := s.Commit(context.Background(), identity.Actor{})
	if len(report.Advanced) != 0 {
		t.Fatalf("expected no-op")
	}
	if len(s.Dirty()) != 1 {
		t.Fatalf("dirty set must survive a no-op commit")
	}
}

type flakyStore struct {
	*workflow.MemoryStore
	failCode string
}

func (f *flakyStore) UpdateRemoval(ctx context.Context, code string, u workflow.Update) error {
	if code == f.failCode {
		return errors.New("disk full")
	}
	return f.MemoryStore.UpdateRemoval(ctx, code, u)
}

func TestCommitIsolatesPerSlotFailures(t *testing.T) {
	mem := workflow.NewMemoryStore(
		removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1),
		removal("R2", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 2),
	)
	s := New(&flakyStore{MemoryStore: mem, failCode: "R1"}, nil, Options{})
	s.Book("2024-06-03-09:00", "R1")
	s.Book("2024-06-03-11:00", "R2")
	s.Book("2024-06-03-15:00", "GHOST")

	report := s.Commit(context.Background(), operator)
	if len(report.Advanced) != 1 || report.Advanced[0] != "2024-06-03-11:00" {
		t.Fatalf("R2 should still advance: %+v", report)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("expected two failures, got %v", report.Failures)
	}
	if !errors.Is(report.Failures["2024-06-03-15:00"], workflow.ErrUnknownRemoval) {
		t.Fatalf("expected unknown removal, got %v", report.Failures["2024-06-03-15:00"])
	}
	if len(s.Dirty()) != 0 {
		t.Fatalf("dirty set is cleared even when slots fail")
	}
}

// rendezvousStore holds every Removal read until a second reader arrives or a
// short timeout passes, so overlapping commits both read before either writes.
type rendezvousStore struct {
	*workflow.MemoryStore
	mu      sync.Mutex
	readers int
	both    chan struct{}
}

func (r *rendezvousStore) Removal(ctx context.Context, code string) (workflow.Removal, error) {
	r.mu.Lock()
	r.readers++
	if r.readers == 2 {
		close(r.both)
	}
	r.mu.Unlock()
	select {
	case <-r.both:
	case <-time.After(200 * time.Millisecond):
	}
	return r.MemoryStore.Removal(ctx, code)
}

func TestConcurrentCommitsAdvanceOnce(t *testing.T) {
	mem := workflow.NewMemoryStore(removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1))
	router := notify.NewRouter()
	s := New(&rendezvousStore{MemoryStore: mem, both: make(chan struct{})}, router, Options{})
	s.Book("2024-06-03-09:00", "R1")

	reports := make([]CommitReport, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = s.Commit(context.Background(), operator)
		}(i)
	}
	wg.Wait()

	if got := len(reports[0].Advanced) + len(reports[1].Advanced); got != 1 {
		t.Fatalf("expected exactly one advance, got %v / %v", reports[0].Advanced, reports[1].Advanced)
	}
	r1, _ := mem.Removal(context.Background(), "R1")
	if r1.Status != workflow.StatusAwaitingSignOff || len(r1.History) != 1 {
		t.Fatalf("expected one advance with one history entry, got status=%s history=%d", r1.Status, len(r1.History))
	}
	senior := identity.Actor{ID: "s", Role: identity.RoleSeniorFinance}
	if n := router.UnreadCount(senior); n != 1 {
		t.Fatalf("expected one senior finance notice, got %d", n)
	}
}

func TestSweepReleasesExpiredTimedSlots(t *testing.T) {
	s, store, router := fixture(t,
		removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingSignOff, 1),
		removal("R2", workflow.ModalityIndividualGold, workflow.StatusAwaitingSignOff, 2),
	)
	ctx := context.Background()
	s.Book("2024-06-03-11:00", "R1")
	s.Book("2024-06-03-fit-in", "R2")

	// exactly at the deadline nothing is released
	report := s.Sweep(ctx, time.Date(2024, 6, 3, 11, 30, 0, 0, time.UTC))
	if len(report.Released) != 0 {
		t.Fatalf("released too early: %v", report.Released)
	}

	report = s.Sweep(ctx, time.Date(2024, 6, 3, 11, 30, 1, 0, time.UTC))
	if len(report.Released) != 1 || report.Released[0] != "2024-06-03-11:00" {
		t.Fatalf("unexpected release: %v", report.Released)
	}
	snap := s.Snapshot()
	if _, ok := snap["2024-06-03-11:00"]; ok {
		t.Fatalf("expired slot still booked")
	}
	assertDirtySubset(t, s)

	r1, _ := store.Removal(ctx, "R1")
	if len(r1.History) != 1 || r1.History[0].Action != ReleaseAction || r1.History[0].ActorID != identity.System.ID {
		t.Fatalf("unexpected history: %+v", r1.History)
	}
	ops := identity.Actor{ID: "o", Role: identity.RoleOperational}
	if n := router.UnreadCount(ops); n != 1 {
		t.Fatalf("expected operational notified once, got %d", n)
	}

	// the fit-in bucket never expires
	report = s.Sweep(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(report.Released) != 0 {
		t.Fatalf("fit-in slot released: %v", report.Released)
	}
	if _, ok := s.Snapshot()["2024-06-03-fit-in"]; !ok {
		t.Fatalf("fit-in slot must stay booked")
	}
}

func TestSweepHonoursLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	store := workflow.NewMemoryStore(removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingSignOff, 1))
	s := New(store, nil, Options{Location: loc})
	s.Book("2024-06-03-09:00", "R1")
	// 09:31 UTC is 06:31 local, well before the slot
	if r := s.Sweep(context.Background(), time.Date(2024, 6, 3, 9, 31, 0, 0, time.UTC)); len(r.Released) != 0 {
		t.Fatalf("released before local slot time: %v", r.Released)
	}
	if r := s.Sweep(context.Background(), time.Date(2024, 6, 3, 12, 31, 0, 0, time.UTC)); len(r.Released) != 1 {
		t.Fatalf("expected release after local deadline: %v", r.Released)
	}
}

func TestSweepSkipsMalformedKeys(t *testing.T) {
	s, _, _ := fixture(t, removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingSignOff, 1))
	s.Restore(map[string]string{"garbage": "R1", "2024-06-03-09:00": "R1"})
	report := s.Sweep(context.Background(), time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC))
	if len(report.Malformed) != 1 || report.Malformed[0] != "garbage" {
		t.Fatalf("expected malformed key reported: %+v", report)
	}
	if len(report.Released) != 1 {
		t.Fatalf("valid sibling should still be released: %+v", report)
	}
	if _, ok := s.Snapshot()["garbage"]; !ok {
		t.Fatalf("malformed key is skipped, not removed")
	}
}

func TestSweepReleasesEvenWhenHistoryFails(t *testing.T) {
	s, _, _ := fixture(t)
	s.Book("2024-06-03-09:00", "GHOST")
	report := s.Sweep(context.Background(), time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	if len(report.Released) != 1 || len(report.Failures) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(s.Snapshot()) != 0 || len(s.Dirty()) != 0 {
		t.Fatalf("expired slot must leave schedule and dirty set")
	}
}

func TestAvailableFiltersModalityStatusAndBooked(t *testing.T) {
	s, _, _ := fixture(t,
		removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1),
		removal("R2", workflow.ModalityIndividualSilver, workflow.StatusAwaitingJuniorFinance, 2),
		removal("R3", workflow.ModalityCollective, workflow.StatusAwaitingJuniorFinance, 3),
		removal("R4", workflow.ModalityIndividualGold, workflow.StatusScheduled, 4),
	)
	s.Book("2024-06-03-09:00", "R2")
	got, err := s.Available(context.Background())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(got) != 1 || got[0].Code != "R1" {
		t.Fatalf("unexpected available: %+v", got)
	}
}

func TestWeekIsMondayBased(t *testing.T) {
	s, _, _ := fixture(t)
	s.Book("2024-06-05-15:00", "R1")
	// Sunday 2024-06-09 belongs to the week starting Monday 2024-06-03
	week := s.Week(time.Date(2024, 6, 9, 18, 0, 0, 0, time.UTC))
	if len(week) != 7 || week[0].Date != "2024-06-03" || week[6].Date != "2024-06-09" {
		t.Fatalf("unexpected week: %+v", week)
	}
	wed := week[2]
	if len(wed.Cells) != len(Buckets()) {
		t.Fatalf("expected %d cells, got %d", len(Buckets()), len(wed.Cells))
	}
	if wed.Cells[2].Code != "R1" || !wed.Cells[2].Dirty {
		t.Fatalf("unexpected cell: %+v", wed.Cells[2])
	}
}

type memPersister struct {
	saved map[string]string
	calls int
}

func (m *memPersister) SaveBookings(b map[string]string) error {
	m.saved = b
	m.calls++
	return nil
}

func TestPersistOnlyCommittedBookings(t *testing.T) {
	store := workflow.NewMemoryStore(removal("R1", workflow.ModalityIndividualGold, workflow.StatusAwaitingJuniorFinance, 1))
	p := &memPersister{}
	s := New(store, nil, Options{Persister: p})
	s.Book("2024-06-03-09:00", "R1")
	s.Commit(context.Background(), operator)
	s.Book("2024-06-04-09:00", "R9")

	if p.calls != 1 || p.saved["2024-06-03-09:00"] != "R1" {
		t.Fatalf("unexpected persisted bookings: %+v", p)
	}
	s.Sweep(context.Background(), time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	if p.calls != 2 || len(p.saved) != 0 {
		t.Fatalf("staged booking must not be persisted: %+v", p.saved)
	}
}

type lockedPersister struct {
	mu    sync.Mutex
	saved map[string]string
}

func (l *lockedPersister) SaveBookings(b map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = b
	return nil
}

func TestOverlappingCommitsAndSweepsPersistLatestSnapshot(t *testing.T) {
	p := &lockedPersister{}
	s := New(workflow.NewMemoryStore(), nil, Options{Persister: p})
	now := time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			// past slots are released by the sweeps, future ones stay booked
			s.Book(SlotKey(fmt.Sprintf("2024-06-%02d-09:00", i+1)), fmt.Sprintf("P%d", i))
			s.Book(SlotKey(fmt.Sprintf("2099-06-%02d-11:00", i+1)), fmt.Sprintf("F%d", i))
			s.Commit(context.Background(), operator)
		}(i)
		go func() {
			defer wg.Done()
			s.Sweep(context.Background(), now)
		}()
	}
	wg.Wait()
	s.Sweep(context.Background(), now)

	want := make(map[string]string)
	for k, v := range s.Snapshot() {
		want[string(k)] = v
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) != len(want) {
		t.Fatalf("persisted %v, want %v", p.saved, want)
	}
	for k, v := range want {
		if p.saved[k] != v {
			t.Fatalf("persisted %v, want %v", p.saved, want)
		}
	}
}
