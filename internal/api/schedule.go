package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/schedule"
	"github.com/farewell/farewelld/internal/workflow"
)

type bookRequest struct {
	Code string `json:"code"`
}

type snapshotResponse struct {
	Bookings map[schedule.SlotKey]string `json:"bookings"`
	Dirty    []schedule.SlotKey          `json:"dirty"`
}

type commitResponse struct {
	Advanced []schedule.SlotKey          `json:"advanced"`
	Skipped  []schedule.SlotKey          `json:"skipped"`
	Failures map[schedule.SlotKey]string `json:"failures,omitempty"`
}

// canSchedule answers 403 for roles outside the scheduling workflow, so commit
// history is only ever attributed to scheduling staff.
func canSchedule(w http.ResponseWriter, a identity.Actor) bool {
	if a.Role.Schedules() {
		return true
	}
	writeError(w, http.StatusForbidden, "role may not change the schedule")
	return false
}

func (s *Server) scheduleSnapshot(w http.ResponseWriter, r *http.Request, _ identity.Actor) {
	writeJSON(w, http.StatusOK, snapshotResponse{
		Bookings: s.deps.Scheduler.Snapshot(),
		Dirty:    s.deps.Scheduler.Dirty(),
	})
}

func (s *Server) scheduleWeek(w http.ResponseWriter, r *http.Request, _ identity.Actor) {
	day := s.deps.Now().In(s.deps.Location)
	if q := r.URL.Query().Get("date"); q != "" {
		d, err := time.ParseInLocation("2006-01-02", q, s.deps.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Week(day))
}

func (s *Server) scheduleAvailable(w http.ResponseWriter, r *http.Request, _ identity.Actor) {
	removals, err := s.deps.Scheduler.Available(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("listing available removals failed")
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if removals == nil {
		removals = []workflow.Removal{}
	}
	writeJSON(w, http.StatusOK, removals)
}

func (s *Server) scheduleBook(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	if !canSchedule(w, a) {
		return
	}
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.deps.Scheduler.Book(schedule.SlotKey(r.PathValue("key")), req.Code) {
		writeError(w, http.StatusNotFound, "slot not booked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scheduleUnbook(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	if !canSchedule(w, a) {
		return
	}
	if !s.deps.Scheduler.Unbook(schedule.SlotKey(r.PathValue("key"))) {
		writeError(w, http.StatusNotFound, "slot not booked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scheduleCommit(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	if !canSchedule(w, a) {
		return
	}
	report := s.deps.Scheduler.Commit(r.Context(), a)
	resp := commitResponse{Advanced: report.Advanced, Skipped: report.Skipped}
	if len(report.Failures) > 0 {
		resp.Failures = make(map[schedule.SlotKey]string, len(report.Failures))
		for k, err := range report.Failures {
			resp.Failures[k] = err.Error()
		}
	}
	status := http.StatusOK
	if len(report.Failures) > 0 && len(report.Advanced) == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) removals(w http.ResponseWriter, r *http.Request, _ identity.Actor) {
	list, err := s.deps.Store.Removals(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("listing removals failed")
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if list == nil {
		list = []workflow.Removal{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) removal(w http.ResponseWriter, r *http.Request, _ identity.Actor) {
	rm, err := s.deps.Store.Removal(r.Context(), r.PathValue("code"))
	switch {
	case errors.Is(err, workflow.ErrUnknownRemoval):
		writeError(w, http.StatusNotFound, "unknown removal")
	case err != nil:
		s.log.Error().Err(err).Str("code", r.PathValue("code")).Msg("loading removal failed")
		writeError(w, http.StatusInternalServerError, "store unavailable")
	default:
		writeJSON(w, http.StatusOK, rm)
	}
}
