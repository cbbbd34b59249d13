// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/datamundo-lasha/test-unistream-meltano/config"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/ascclient"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/auth"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/cursor"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/runner"
	"github.com/datamundo-lasha/test-unistream-meltano/internal/singer"
)

func init() {
	var configFile string
	var stateFile string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental extraction",
		RunE: func(c *cobra.Command, _ []string) error {
			return runSync(c.Context(), configFile, stateFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file (YAML or JSON)")
	cmd.Flags().StringVar(&stateFile, "state", "", "state file from a previous run")
	_ = cmd.MarkFlagRequired("config")

	rootCmd.AddCommand(cmd)
}

func runSync(ctx context.Context, configFile, stateFile string) error {
	servicename := "tap-appstoreconnect"
	setupLogging(servicename)

	ctx, cancel := handleSignals(ctx)
	defer cancel()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	prior, err := loadState(stateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	mgr, err := auth.NewManager(cfg.IssuerID, cfg.KeyID, cfg.PrivateKey)
	if err != nil {
		return err
	}
	client := ascclient.New(cfg.APIURL, cfg.Timeout(), mgr)
	emitter := singer.NewEmitter(os.Stdout)

	run := runner.New(client, emitter, cfg.AppID, cfg.StartDateValue(), cfg.EndDateValue())
	cur, err := run.Run(ctx, prior)
	if err != nil {
		return err
	}
	slog.Info("Extraction complete",
		slog.String("cursor", cur.LastCompletedDate.Format("2006-01-02")))
	return nil
}

// setupLogging sends structured logs to stderr; stdout is reserved for
// Singer messages. DEBUG=true raises the level.
func setupLogging(servicename string) {
	var opts *slog.HandlerOptions
	if os.Getenv("DEBUG") == "true" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)).With(
		slog.String("service", servicename),
		slog.String("run", generateRunID()),
	))
}

// loadState reads a prior run's cursor. An empty path or a missing file
// is a cold start.
func loadState(path string) (cursor.SyncCursor, error) {
	if path == "" {
		return cursor.SyncCursor{}, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("State file absent, starting cold", slog.String("path", path))
		return cursor.SyncCursor{}, nil
	}
	if err != nil {
		return cursor.SyncCursor{}, err
	}
	var cur cursor.SyncCursor
	if err := json.Unmarshal(b, &cur); err != nil {
		return cursor.SyncCursor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cur, nil
}
