// Package notify stores role- and user-targeted notifications and fans them out
// to outbound delivery services.
package notify

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/farewell/farewelld/internal/identity"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/metrics"
)

// DefaultNotifierCooldown suppresses identical notifications to the same
// recipient on the same service inside this window.
var DefaultNotifierCooldown = 2 * time.Second

// NotifierRetry settings (can be tuned in tests)
var notifierMaxRetries = 3
var notifierBaseBackoff = 100 * time.Millisecond

// notifierBackoffJitter adds up to this random duration to backoff (to avoid thundering herd)
var notifierBackoffJitter = 0 * time.Millisecond

// sleepHook is used in tests to avoid sleeping for real
var sleepHook = time.Sleep

// Service is the interface all outbound deliveries implement
type Service interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Local is implemented by in-process services. They receive every
// notification regardless of the forward roles.
type Local interface {
	Local() bool
}

func isLocal(s Service) bool {
	l, ok := s.(Local)
	return ok && l.Local()
}

// MultiNotifier delivers every dispatched notification to all active services.
type MultiNotifier struct {
	services []Service
	// lastSent tracks the last successful send per service and notification fingerprint
	lastSent map[string]time.Time
	cooldown time.Duration
	// forward restricts role-targeted delivery; empty forwards every role
	forward map[identity.Role]struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewMultiNotifier() *MultiNotifier {
	return &MultiNotifier{services: make([]Service, 0), lastSent: make(map[string]time.Time), cooldown: DefaultNotifierCooldown}
}

// Wait waits for pending sends to complete or until ctx is cancelled.
func (m *MultiNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MultiNotifier) Add(s Service) {
	if s != nil {
		m.services = append(m.services, s)
	}
}

func (m *MultiNotifier) Len() int {
	return len(m.services)
}

// SetCooldown adjusts the duplicate-suppression window
func (m *MultiNotifier) SetCooldown(d time.Duration) {
	m.cooldown = d
}

// SetForwardRoles limits which role-targeted notifications leave the process.
// User-targeted notifications are always forwarded, as is everything handed to
// a Local service.
func (m *MultiNotifier) SetForwardRoles(roles []identity.Role) {
	if len(roles) == 0 {
		m.forward = nil
		return
	}
	m.forward = make(map[identity.Role]struct{}, len(roles))
	for _, r := range roles {
		m.forward[r] = struct{}{}
	}
}

func (m *MultiNotifier) forwards(n Notification) bool {
	if m.forward == nil || n.Recipient.RecipientID != "" {
		return true
	}
	_, ok := m.forward[n.Recipient.RecipientRole]
	return ok
}

// Dispatch sends n to all services asynchronously with per-service retries.
// Delivery outlives the caller's cancellation; use Wait to drain.
func (m *MultiNotifier) Dispatch(ctx context.Context, n Notification) {
	forward := m.forwards(n)
	ctx = context.WithoutCancel(ctx)
	now := time.Now()
	for _, s := range m.services {
		if !forward && !isLocal(s) {
			continue
		}
		name := s.Name()
		m.wg.Add(1)
		go func(svc Service, svcName string) {
			defer m.wg.Done()
			key := fingerprint(svcName, n)
			if m.shouldSkipDueToCooldown(key, now) {
				logging.Get().Debug().Str("service", svcName).Str("recipient", n.Recipient.Key()).Msg("skipping duplicate notification")
				return
			}
			if err := m.sendWithRetries(ctx, svc, n, svcName, key); err != nil {
				metrics.IncDeliveryFailure(svcName)
				logging.Get().Error().Err(err).Str("service", svcName).Str("notification", n.ID).Msg("all notification retries failed")
			}
		}(s, name)
	}
}

func fingerprint(service string, n Notification) string {
	return service + "|" + n.Recipient.Key() + "|" + n.Message
}

// shouldSkipDueToCooldown returns true when the same notification was delivered recently
func (m *MultiNotifier) shouldSkipDueToCooldown(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok {
		if now.Sub(last) < m.cooldown {
			return true
		}
	}
	return false
}

// sendWithRetries attempts delivery with retries and backoff. Returns last error if any.
func (m *MultiNotifier) sendWithRetries(ctx context.Context, s Service, n Notification, name, key string) error {
	var lastErr error
	for attempt := 1; attempt <= notifierMaxRetries; attempt++ {
		if err := s.Send(ctx, n); err != nil {
			lastErr = err
			logging.Get().Warn().Err(err).Str("service", name).Int("attempt", attempt).Msg("notification attempt failed")
			if attempt < notifierMaxRetries {
				d := m.backoffDuration(attempt)
				dCh := make(chan struct{})
				go func() {
					sleepHook(d)
					close(dCh)
				}()
				select {
				case <-dCh:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		m.mu.Lock()
		m.lastSent[key] = time.Now()
		m.mu.Unlock()
		logging.Get().Debug().Str("service", name).Str("notification", n.ID).Msg("notification delivered")
		return nil
	}
	return lastErr
}

// backoffDuration returns the computed backoff including optional jitter for the given attempt
func (m *MultiNotifier) backoffDuration(attempt int) time.Duration {
	d := notifierBaseBackoff * time.Duration(1<<uint(attempt-1))
	if notifierBackoffJitter > 0 {
		max := big.NewInt(int64(notifierBackoffJitter))
		if n, err := crand.Int(crand.Reader, max); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// title renders the subject line shared by the webhook and email services.
func title(n Notification) string {
	if n.Recipient.RecipientID != "" {
		return fmt.Sprintf("Farewell notice for %s", n.Recipient.RecipientID)
	}
	return fmt.Sprintf("Farewell notice for %s", n.Recipient.RecipientRole)
}

// postJSON is a shared helper used by providers
func postJSON(ctx context.Context, url string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	return nil
}
