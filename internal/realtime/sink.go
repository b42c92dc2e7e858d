package realtime

import (
	"context"

	"github.com/farewell/farewelld/internal/notify"
)

// NotificationEvent is published for every stored notification.
const NotificationEvent = "notification.created"

// NotificationSink pushes notifications to the recipients' topics.
type NotificationSink struct {
	Hub *Hub
}

func (s *NotificationSink) Name() string { return "Realtime" }

// Local keeps in-app delivery independent of the forward roles.
func (s *NotificationSink) Local() bool { return true }

// Send publishes n on the user topic and/or role topic it targets.
func (s *NotificationSink) Send(_ context.Context, n notify.Notification) error {
	if n.Recipient.RecipientID != "" {
		s.Hub.Publish(UserTopic(n.Recipient.RecipientID), NotificationEvent, n)
	}
	if n.Recipient.RecipientRole != "" {
		s.Hub.Publish(RoleTopic(n.Recipient.RecipientRole), NotificationEvent, n)
	}
	return nil
}
