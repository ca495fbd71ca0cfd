package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"crm_autotask/internal/config"
	"crm_autotask/internal/logging"
	sqlitestore "crm_autotask/internal/store/sqlite"
)

type rootOptions struct {
	configPath string
	dbPath     string
	addr       string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "crm-engine",
		Short:         "Autonomous task scheduling and assignment for reseller CRM",
		Long:          `Finds resellers that need attention, turns the gaps into tasks for the agents with free capacity, and tracks agent progression from completion reports.`,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.dbPath != "" {
				cfg.Engine.DBPath = opts.dbPath
			}
			if opts.addr != "" {
				cfg.Engine.Addr = opts.addr
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.toml (default: ~/.crm-engine/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "http listen/connect address override")

	cmd.AddCommand(
		newServeCmd(opts),
		newSeedCmd(opts),
		newAnalyzeCmd(opts),
		newDaemonCmd(opts),
	)
	return cmd
}

func (o *rootOptions) logger() (*slog.Logger, io.Closer, error) {
	return logging.New(o.cfg.Logging)
}

func (o *rootOptions) openStore(ctx context.Context) (*sqlitestore.Store, error) {
	dbPath := filepath.Clean(firstNonEmpty(o.cfg.Engine.DBPath, "data/crm_autotask.db"))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
