package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/farewell/farewelld/internal/logging"
)

// StartInfluxPusher starts a background loop to push metrics to InfluxDB
func StartInfluxPusher(ctx context.Context, baseURL, token, org, bucket string, interval time.Duration) {
	if baseURL == "" || bucket == "" {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	logging.Get().Info().Str("url", baseURL).Dur("interval", interval).Msg("starting influxdb pusher")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	writeURL := WriteURL(baseURL, org, bucket)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pushToInflux(ctx, client, writeURL, token)
		}
	}
}

// WriteURL builds the v2 write endpoint for org and bucket.
func WriteURL(baseURL, org, bucket string) string {
	q := url.Values{}
	q.Set("org", org)
	q.Set("bucket", bucket)
	q.Set("precision", "s")
	return strings.TrimRight(baseURL, "/") + "/api/v2/write?" + q.Encode()
}

// lineProtocol renders s as a single Influx line.
func lineProtocol(s StatsSnapshot, at time.Time) string {
	return fmt.Sprintf(
		"farewelld removals_advanced=%di,commit_failures=%di,slots_released=%di,sweep_failures=%di,booked_slots=%di,messages=%di,active_conversations=%di,notifications=%di,delivery_failures=%di %d",
		s.RemovalsAdvanced, s.CommitFailures, s.SlotsReleased, s.SweepFailures, s.BookedSlots,
		s.MessagesSent, s.ActiveConversations, s.NotificationsStored, s.DeliveryFailures, at.Unix(),
	)
}

func pushToInflux(ctx context.Context, client *http.Client, url, token string) {
	lines := lineProtocol(GetSnapshot(), time.Now())

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader([]byte(lines)))
	if err != nil {
		logging.Get().Error().Err(err).Msg("influxdb request creation failed")
		return
	}

	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		logging.Get().Error().Err(err).Msg("influxdb push failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logging.Get().Warn().Int("status", resp.StatusCode).Msg("influxdb rejected metrics")
	}
}
