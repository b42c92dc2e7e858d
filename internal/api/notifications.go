package api

import (
	"net/http"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/notify"
)

type notificationsResponse struct {
	Unread        int                   `json:"unread"`
	Notifications []notify.Notification `json:"notifications"`
}

func (s *Server) notifications(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	list := s.deps.Router.VisibleTo(a)
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Unread: s.deps.Router.UnreadCount(a), Notifications: list})
}

func (s *Server) notificationsRead(w http.ResponseWriter, r *http.Request, a identity.Actor) {
	n := s.deps.Router.MarkAllReadFor(a)
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}
