package sink

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bigbag/sds011/internal/config"
)

// Build creates the sinks enabled in cfg. Extra sinks (metrics, history)
// are appended as given. The returned close function releases every
// connection that was opened.
func Build(ctx context.Context, cfg config.SinksConfig, logger *zap.Logger, extra ...Named) (Sink, func() error, error) {
	var (
		sinks   Multi
		closers []Closer
	)

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.Webhook.URL != "" {
		client := &http.Client{Timeout: cfg.Webhook.Timeout}
		sinks = append(sinks, Named{Name: "webhook", Sink: NewWebhook(client, cfg.Webhook.URL, cfg.Webhook.Token)})
	}

	if cfg.Redis.Enabled {
		r, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, r)
		sinks = append(sinks, Named{Name: "redis", Sink: r})
	}

	if cfg.Postgres.Enabled {
		p, err := NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, p)
		sinks = append(sinks, Named{Name: "postgres", Sink: p})
	}

	if cfg.Nanomsg.Listen != "" {
		n, err := NewNanomsg(cfg.Nanomsg.Listen)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, n)
		sinks = append(sinks, Named{Name: "nanomsg", Sink: n})
	}

	if logger != nil {
		for _, s := range sinks {
			logger.Info("sink enabled", zap.String("sink", s.Name))
		}
	}

	var out Sink = Throttle(sinks, cfg.Throttle)
	if len(extra) > 0 {
		// Local sinks always see every measurement.
		out = append(Multi(extra), Named{Name: "remote", Sink: out})
	}
	return out, closeAll, nil
}
