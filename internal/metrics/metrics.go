// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting farewelld runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	removalsAdvanced    int64
	commitFailures      int64
	slotsReleased       int64
	sweepFailures       int64
	bookedSlots         int64
	messagesSent        int64
	conversationsOpened int64
	conversationsClosed int64
	activeConversations int64
	notificationsStored int64
	deliveryFailures    int64
	attachmentsRevoked  int64
	lastSweep           int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promAdvanced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farewell_removals_advanced_total",
			Help: "Total removals advanced by a schedule commit",
		},
	)
	promCommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farewell_commit_failures_total",
			Help: "Total slots whose commit failed to update the removal",
		},
	)
	promReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farewell_slots_released_total",
			Help: "Total slots returned to the release queue by the sweep",
		},
	)
	promSweepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farewell_sweep_failures_total",
			Help: "Total expired slots whose release history could not be written",
		},
	)
	promBooked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farewell_booked_slots",
			Help: "Slots currently booked",
		},
	)
	promSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "farewell_sweep_duration_seconds",
			Help: "Duration of auto-release sweeps",
			Buckets: []float64{
				0.001,
				0.01,
				0.1,
				0.5,
				1,
				5,
			},
		},
	)
	promLastSweep = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farewell_last_sweep_timestamp_seconds",
			Help: "Unix timestamp of last sweep",
		},
	)
	promMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total chat messages appended",
		},
		[]string{"sender"},
	)
	promOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_conversations_opened_total",
			Help: "Total conversations created",
		},
	)
	promClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_conversations_closed_total",
			Help: "Total conversations torn down",
		},
		[]string{"reason"},
	)
	promActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_conversations",
			Help: "Conversations currently open",
		},
	)
	promRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_attachments_revoked_total",
			Help: "Total attachment handles revoked",
		},
	)
	promNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_stored_total",
			Help: "Total notifications stored",
		},
	)
	promDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivery_failures_total",
			Help: "Total outbound deliveries that exhausted their retries",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		promAdvanced,
		promCommitFailures,
		promReleased,
		promSweepFailures,
		promBooked,
		promSweepDuration,
		promLastSweep,
		promMessages,
		promOpened,
		promClosed,
		promActive,
		promRevoked,
		promNotifications,
		promDeliveryFailures,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncAdvanced counts a removal moved forward by a commit.
func IncAdvanced() {
	atomic.AddInt64(&removalsAdvanced, counterInc)
	promAdvanced.Inc()
}

// IncCommitFailure counts a slot whose commit failed.
func IncCommitFailure() {
	atomic.AddInt64(&commitFailures, counterInc)
	promCommitFailures.Inc()
}

// AddReleased counts n slots released by one sweep.
func AddReleased(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&slotsReleased, int64(n))
	promReleased.Add(float64(n))
}

// IncSweepFailure counts an expired slot whose history update failed.
func IncSweepFailure() {
	atomic.AddInt64(&sweepFailures, counterInc)
	promSweepFailures.Inc()
}

// SetBookedSlots records the current schedule size.
func SetBookedSlots(n int) {
	atomic.StoreInt64(&bookedSlots, int64(n))
	promBooked.Set(float64(n))
}

// ObserveSweepDuration records the duration (in seconds) of a sweep.
func ObserveSweepDuration(seconds float64) {
	promSweepDuration.Observe(seconds)
}

// SetLastSweep stores the provided time as the last sweep timestamp.
func SetLastSweep(t time.Time) {
	atomic.StoreInt64(&lastSweep, t.Unix())
	promLastSweep.Set(float64(t.Unix()))
}

// IncMessage counts an appended chat message by sender kind
// ("client", "receptor", "bot" or "system").
func IncMessage(sender string) {
	atomic.AddInt64(&messagesSent, counterInc)
	promMessages.WithLabelValues(sender).Inc()
}

// IncConversationOpened counts a newly created conversation.
func IncConversationOpened() {
	atomic.AddInt64(&conversationsOpened, counterInc)
	promOpened.Inc()
}

// IncConversationClosed counts a teardown ("closed", "timeout" or "shutdown").
func IncConversationClosed(reason string) {
	atomic.AddInt64(&conversationsClosed, counterInc)
	promClosed.WithLabelValues(reason).Inc()
}

// SetActiveConversations records the number of open conversations.
func SetActiveConversations(n int) {
	atomic.StoreInt64(&activeConversations, int64(n))
	promActive.Set(float64(n))
}

// AddRevoked counts n revoked attachment handles.
func AddRevoked(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&attachmentsRevoked, int64(n))
	promRevoked.Add(float64(n))
}

// IncNotification counts a stored notification.
func IncNotification() {
	atomic.AddInt64(&notificationsStored, counterInc)
	promNotifications.Inc()
}

// IncDeliveryFailure counts a delivery that failed on every retry.
func IncDeliveryFailure(service string) {
	atomic.AddInt64(&deliveryFailures, counterInc)
	promDeliveryFailures.WithLabelValues(service).Inc()
}

// 4. JSON Snapshot Struct (For /status)

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	RemovalsAdvanced    int64  `json:"removals_advanced"`
	CommitFailures      int64  `json:"commit_failures"`
	SlotsReleased       int64  `json:"slots_released"`
	SweepFailures       int64  `json:"sweep_failures"`
	BookedSlots         int64  `json:"booked_slots"`
	MessagesSent        int64  `json:"messages_sent"`
	ConversationsOpened int64  `json:"conversations_opened"`
	ConversationsClosed int64  `json:"conversations_closed"`
	ActiveConversations int64  `json:"active_conversations"`
	AttachmentsRevoked  int64  `json:"attachments_revoked"`
	NotificationsStored int64  `json:"notifications_stored"`
	DeliveryFailures    int64  `json:"delivery_failures"`
	LastSweep           int64  `json:"last_sweep_timestamp"`
	LastSweepHuman      string `json:"last_sweep_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastSweep)
	human := ""
	if ts > 0 {
		human = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return StatsSnapshot{
		RemovalsAdvanced:    atomic.LoadInt64(&removalsAdvanced),
		CommitFailures:      atomic.LoadInt64(&commitFailures),
		SlotsReleased:       atomic.LoadInt64(&slotsReleased),
		SweepFailures:       atomic.LoadInt64(&sweepFailures),
		BookedSlots:         atomic.LoadInt64(&bookedSlots),
		MessagesSent:        atomic.LoadInt64(&messagesSent),
		ConversationsOpened: atomic.LoadInt64(&conversationsOpened),
		ConversationsClosed: atomic.LoadInt64(&conversationsClosed),
		ActiveConversations: atomic.LoadInt64(&activeConversations),
		AttachmentsRevoked:  atomic.LoadInt64(&attachmentsRevoked),
		NotificationsStored: atomic.LoadInt64(&notificationsStored),
		DeliveryFailures:    atomic.LoadInt64(&deliveryFailures),
		LastSweep:           ts,
		LastSweepHuman:      human,
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}
