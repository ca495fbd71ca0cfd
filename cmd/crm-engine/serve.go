package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crm_autotask/internal/api"
	"crm_autotask/internal/config"
	"crm_autotask/internal/content"
	"crm_autotask/internal/events"
	"crm_autotask/internal/progression"
	"crm_autotask/internal/scheduler"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noAutostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon and the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, !noAutostart)
		},
	}
	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "do not start the interval schedule on boot")
	return cmd
}

func serve(parent context.Context, opts *rootOptions, allowAutostart bool) error {
	cfg := opts.cfg
	logger, closer, err := opts.logger()
	if err != nil {
		return err
	}
	defer closer.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	bus := events.NewBus(cfg.Events.InboxBuffer)
	publisher := events.Fanout{bus}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaPub, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer kafkaPub.Close()
		publisher = append(publisher, kafkaPub)
	}

	gen, err := content.New(cfg.Content, logger)
	if err != nil {
		return err
	}
	rules, err := progression.RulesFromConfig(cfg.Progression)
	if err != nil {
		return err
	}
	prog := progression.New(store, rules, publisher, logger)

	daemon := scheduler.New(store, gen, publisher, scheduler.Tuning{
		Gap:        cfg.Gap,
		Assignment: cfg.Assignment,
	}, scheduler.ConfigFromEngine(cfg.Engine), logger)
	daemon.Launch(ctx)
	if cfg.Engine.AutoStart && allowAutostart {
		daemon.Start(0)
	}

	srv := api.New(api.Options{
		Store:       store,
		Daemon:      daemon,
		Progression: prog,
		Publisher:   publisher,
		Subscriber:  bus,
		Config:      cfg,
		Logger:      logger,
	})

	if _, err := os.Stat(cfg.Path); err == nil {
		err := config.Watch(ctx, cfg.Path, logger, func(next config.Config) {
			daemon.SetTuning(scheduler.Tuning{Gap: next.Gap, Assignment: next.Assignment})
			daemon.SetInterval(time.Duration(next.Engine.ExecutionIntervalMinutes) * time.Minute)
			if nextRules, err := progression.RulesFromConfig(next.Progression); err != nil {
				logger.Warn("progression rules not reloaded", "error", err)
			} else {
				prog.SetRules(nextRules)
			}
			srv.SetConfig(next)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "path", cfg.Path, "error", err)
		}
	}

	addr := firstNonEmpty(cfg.Engine.Addr, ":8092")
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("crm-engine started",
		"addr", addr, "db", cfg.Engine.DBPath, "interval_minutes", cfg.Engine.ExecutionIntervalMinutes,
		"autostart", cfg.Engine.AutoStart && allowAutostart, "kafka", len(cfg.Events.KafkaBrokers) > 0,
		"content_endpoint", cfg.Content.Endpoint != "")

	serveErr := server.ListenAndServe()
	cancel()
	daemon.Wait()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	logger.Info("crm-engine stopped")
	return nil
}
