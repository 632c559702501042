package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dan-strohschein/syndrdb-bulkload/bulk"
	"github.com/dan-strohschein/syndrdb-bulkload/client"
	"github.com/dan-strohschein/syndrdb-bulkload/emulator"
	"github.com/dan-strohschein/syndrdb-bulkload/logging"
)

const shutdownTimeout = 5 * time.Second

// session is one connected client plus the emulator it may be talking to.
type session struct {
	client    *client.Client
	container *client.Container
	metrics   *client.MetricsHook
}

// clientOptions maps the configuration onto client options.
func (a *app) clientOptions() client.Options {
	cfg := a.cfg
	opts := client.DefaultOptions()
	opts.Key = cfg.Key
	opts.Consistency = cfg.Consistency
	opts.DialTimeout = cfg.Transport.Timeout
	if cfg.Loop.RoundTimeout > 0 {
		opts.Timeout = cfg.Loop.RoundTimeout
	}
	opts.PoolMaxSize = cfg.Transport.PoolSize
	opts.TLSEnabled = cfg.Transport.TLS
	opts.TLSInsecureSkipVerify = cfg.Transport.TLSSkipVerify
	opts.TLSCAFile = cfg.Transport.TLSCAFile
	opts.DebugMode = a.debug
	opts.Logger = a.logger
	return opts
}

func (a *app) loopSettings() bulk.LoopSettings {
	return bulk.LoopSettings{
		MaxRounds:    a.cfg.Loop.MaxRounds,
		RoundTimeout: a.cfg.Loop.RoundTimeout,
		Retries:      a.cfg.Loop.Retries,
		RetryBackoff: a.cfg.Loop.RetryBackoff,
	}
}

// openEmulator opens the store and binds the listener without serving yet.
func (a *app) openEmulator() (*emulator.Server, *emulator.Store, error) {
	cfg := a.cfg
	store, err := emulator.OpenStore(cfg.Emulator.Path)
	if err != nil {
		return nil, nil, err
	}
	engine := emulator.NewEngine(store, emulator.EngineOptions{
		MaxUploadPerCall: cfg.Emulator.MaxUploadPerCall,
		MaxDeletePerCall: cfg.Emulator.MaxDeletePerCall,
		ThrottleEvery:    cfg.Emulator.ThrottleEvery,
		Logger:           logging.Component(a.logger, "emulator"),
	})
	srv := emulator.NewServer(engine, emulator.ServerOptions{
		Key:    cfg.Key,
		Logger: logging.Component(a.logger, "emulator"),
	})
	if err := srv.Listen(cfg.Emulator.Listen); err != nil {
		store.Close()
		return nil, nil, err
	}
	return srv, store, nil
}

// withSession connects to the configured endpoint, or to an in-process
// emulator when it is enabled, and runs fn. The emulator and the driver run
// in one errgroup so either failing stops the other.
func (a *app) withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	g, gctx := errgroup.WithContext(ctx)
	endpoint := a.cfg.Endpoint

	var srv *emulator.Server
	if a.cfg.Emulator.Enabled {
		var (
			store *emulator.Store
			err   error
		)
		srv, store, err = a.openEmulator()
		if err != nil {
			return err
		}
		defer store.Close()
		endpoint = srv.Addr().String()

		g.Go(func() error {
			if err := srv.Serve(); !errors.Is(err, emulator.ErrServerClosed) {
				return fmt.Errorf("emulator: %w", err)
			}
			return nil
		})
	}

	if t := a.cfg.Transport; t.TLS && t.TLSSkipVerify {
		a.out.warning("TLS certificate verification is disabled for %s", endpoint)
	}

	g.Go(func() error {
		if srv != nil {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					a.logger.Warn().Err(err).Msg("emulator shutdown")
				}
			}()
		}

		c, err := client.Dial(gctx, endpoint, a.clientOptions())
		if err != nil {
			return err
		}
		defer c.Close()

		metrics := client.NewMetricsHook()
		c.RegisterHook(metrics)
		c.RegisterHook(client.NewLoggingHook(logging.Component(a.logger, "calls"), a.debug, a.debug))

		s := &session{
			client:    c,
			container: c.Container(a.cfg.Database, a.cfg.Container),
			metrics:   metrics,
		}
		err = fn(gctx, s)
		a.reportCalls(metrics.GetStats())
		return err
	})

	return g.Wait()
}

// reportCalls logs and prints the status code summary.
func (a *app) reportCalls(stats client.CallStats) {
	codes := make(map[string]uint64, len(stats.StatusCodes))
	rows := make([][]string, 0, len(stats.StatusCodes))
	for _, code := range stats.SortedStatusCodes() {
		codes[strconv.Itoa(code)] = stats.StatusCodes[code]
		rows = append(rows, []string{strconv.Itoa(code), strconv.FormatUint(stats.StatusCodes[code], 10)})
	}
	a.logger.Info().
		Uint64("calls", stats.Calls).
		Uint64("errors", stats.Errors).
		Dur("avg_duration", stats.AverageDuration).
		Interface("status_codes", codes).
		Msg("procedure calls")

	if stats.Calls == 0 {
		return
	}
	a.out.header("Procedure calls")
	a.out.table([]string{"Status", "Calls"}, rows)
}
