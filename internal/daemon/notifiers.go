package daemon

import (
	"context"
	"io"

	"github.com/farewell/farewelld/internal/config"
	"github.com/farewell/farewelld/internal/logging"
	"github.com/farewell/farewelld/internal/notify"
)

// dialAMQP is swapped in tests.
var dialAMQP = func(ctx context.Context, url, exchange string) (notify.Service, io.Closer, error) {
	a, err := notify.DialAMQP(ctx, url, exchange)
	if err != nil {
		return nil, nil, err
	}
	return a, a, nil
}

// BuildNotifier creates the outbound fan-out for every configured service.
// extra services (such as the realtime sink) are always added. The returned
// closers must be closed after the notifier has drained.
func BuildNotifier(ctx context.Context, cfg *config.Config, extra ...notify.Service) (*notify.MultiNotifier, []io.Closer) {
	n := notify.NewMultiNotifier()
	if cfg.NotifierCooldown > 0 {
		n.SetCooldown(cfg.NotifierCooldown)
	}
	if roles, err := cfg.ForwardRoleList(); err == nil {
		n.SetForwardRoles(roles)
	}
	for _, s := range extra {
		n.Add(s)
	}

	var closers []io.Closer
	// Use a compact entries list to reduce cognitive complexity (avoids many inline ifs)
	entries := []struct {
		enabled bool
		add     func()
	}{
		{cfg.DiscordWebhook != "", func() { n.Add(&notify.Discord{WebhookURL: cfg.DiscordWebhook}) }},
		{cfg.SlackWebhook != "", func() { n.Add(&notify.Slack{WebhookURL: cfg.SlackWebhook}) }},
		{cfg.GenericWebhookURL != "", func() { n.Add(&notify.Generic{WebhookURL: cfg.GenericWebhookURL}) }},
		{cfg.EmailHost != "" && (len(cfg.EmailTo) > 0 || len(cfg.EmailRoleTo) > 0), func() {
			n.Add(&notify.Email{
				Host:           cfg.EmailHost,
				Port:           cfg.EmailPort,
				User:           cfg.EmailUser,
				Pass:           cfg.EmailPass,
				To:             cfg.EmailTo,
				RoleRecipients: cfg.EmailRoleRecipients(),
			})
		}},
		{cfg.AMQPURL != "" && cfg.AMQPExchange != "", func() {
			svc, closer, err := dialAMQP(ctx, cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				logging.Get().Error().Err(err).Str("exchange", cfg.AMQPExchange).Msg("amqp notifier disabled")
				return
			}
			n.Add(svc)
			closers = append(closers, closer)
		}},
	}
	for _, e := range entries {
		if e.enabled {
			e.add()
		}
	}
	logging.Get().Info().Int("services", n.Len()).Msg("notification fan-out ready")
	return n, closers
}
