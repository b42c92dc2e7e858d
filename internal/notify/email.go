package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/farewell/farewelld/internal/identity"
)

// sendMailHook allows tests to override SMTP sending behavior.
var sendMailHook = smtp.SendMail

// Email sends notifications via SMTP. RoleRecipients maps a role to the
// mailboxes that receive its notifications; notifications for roles without an
// entry, and user-targeted ones, go to To.
type Email struct {
	Host, User, Pass string
	Port             int
	To               []string
	RoleRecipients   map[identity.Role][]string
}

// Name returns the notifier backend name.
func (e *Email) Name() string { return "Email" }

func (e *Email) recipients(n Notification) []string {
	if n.Recipient.RecipientID == "" {
		if to, ok := e.RoleRecipients[n.Recipient.RecipientRole]; ok && len(to) > 0 {
			return to
		}
	}
	return e.To
}

// Send mails the notification to the recipients resolved for its target.
func (e *Email) Send(_ context.Context, n Notification) error {
	to := e.recipients(n)
	if len(to) == 0 {
		return fmt.Errorf("no email recipients for %s", n.Recipient.Key())
	}
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	auth := smtp.PlainAuth("", e.User, e.Pass, e.Host)
	header := fmt.Sprintf(
		"To: %s\r\nSubject: [Farewell] %s\r\n\r\n",
		strings.Join(to, ","),
		title(n),
	)
	return sendMailHook(addr, auth, e.User, to, []byte(header+n.Message))
}
