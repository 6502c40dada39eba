package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bigbag/sds011/internal/history"
	"github.com/bigbag/sds011/internal/httpserver"
	appmetrics "github.com/bigbag/sds011/internal/metrics"
	"github.com/bigbag/sds011/internal/protocol"
	"github.com/bigbag/sds011/internal/sink"
	"github.com/bigbag/sds011/internal/stream"
)

const shutdownTimeout = 5 * time.Second

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := appmetrics.NewRegistry()
	sm := appmetrics.NewSensorMetrics(reg)

	s, err := openSession(stream.WithDiscardHook(sm.Discard))
	if err != nil {
		return err
	}
	defer s.Close()
	log := s.log

	if !keepMode {
		if err := s.sensor.SetReportMode(protocol.ModeActive); err != nil {
			return err
		}
		log.Info("sensor switched to active mode")
	}

	hist := history.New(s.cfg.History.Size)
	out, closeSinks, err := sink.Build(ctx, s.cfg.Sinks, log,
		sink.Named{Name: "metrics", Sink: sm},
		sink.Named{Name: "history", Sink: hist},
	)
	if err != nil {
		return err
	}
	defer closeSinks()

	var metricsHandler http.Handler
	if s.cfg.Metrics.Enable {
		metricsHandler = appmetrics.Handler(reg)
	}
	srv := httpserver.New(s.cfg.HTTP, s.cfg.Metrics.Path, metricsHandler, hist, func() bool {
		return hist.Len() > 0
	})

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Info("http server listening", zap.String("addr", s.cfg.HTTP.Addr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	grp.Go(func() error {
		return monitorLoop(gctx, s.sensor.Read, s.sensor.DeviceID(), out, sm, log)
	})

	err = grp.Wait()
	log.Info("monitor stopped")
	return err
}

// monitorLoop reads measurements until ctx is done. Each read is bounded by
// the reader timeout, so cancellation is noticed within one cycle.
func monitorLoop(ctx context.Context, read func() (protocol.Reading, error), deviceID uint16,
	out sink.Sink, sm *appmetrics.SensorMetrics, log *zap.Logger) error {
	for ctx.Err() == nil {
		r, err := read()
		if err != nil {
			sm.ObserveError(err)
			switch {
			case errors.Is(err, protocol.ErrTimeout):
				// Expected between reports when a work period is set.
				log.Debug("no report", zap.Error(err))
			case protocol.IsFrameError(err), errors.Is(err, protocol.ErrDesyncExceeded):
				log.Warn("read failed", zap.Error(err))
			default:
				return fmt.Errorf("read: %w", err)
			}
			continue
		}

		m := sink.NewMeasurement(r, deviceID)
		log.Info("reading",
			zap.Float64("pm25", m.PM25),
			zap.Float64("pm10", m.PM10),
		)
		if err := out.Push(ctx, m); err != nil {
			log.Warn("sink push failed", zap.Error(err))
		}
	}
	return nil
}
