// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-slackhook is a Matrix appservice that bridges Slack
// channels to Matrix rooms through Slack's outgoing and incoming webhooks.
// Slack users appear in Matrix as ghost users whose display name and avatar
// follow their Slack profile.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-slackhook/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	saveConfig bool
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "mautrix-slackhook",
		Short: "A Matrix-Slack webhook bridge",
		Long:  "mautrix-slackhook bridges Slack channels to Matrix rooms using Slack webhooks and a Matrix appservice.",
		// Running without a subcommand starts the bridge.
		RunE: runBridge,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.PersistentFlags().BoolVar(&saveConfig, "save-config", true, "write the upgraded config back to disk")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		RunE:  runBridge,
	})
	root.AddCommand(&cobra.Command{
		Use:   "generate-registration",
		Short: "Generate the appservice registration file and tokens",
		RunE:  generateRegistration,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mautrix-slackhook %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := connector.LoadConfig(configPath, saveConfig)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Initializing bridge")

	rawDB, err := sql.Open(cfg.Database.Type, cfg.Database.URI)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer rawDB.Close()
	db, err := dbutil.NewWithDB(rawDB, cfg.Database.Type)
	if err != nil {
		return fmt.Errorf("failed to wrap database: %w", err)
	}

	sc, err := connector.NewSlackConnector(cfg, db, *log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	log.Info().Msg("Bridge started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sc.Stop(shutdownCtx)
	return nil
}

func generateRegistration(cmd *cobra.Command, args []string) error {
	cfg, err := connector.LoadConfig(configPath, true)
	if err != nil {
		return err
	}
	reg := connector.GenerateRegistration(cfg)
	if err := reg.Save(cfg.AppService.Registration); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	if err := connector.SaveRegistrationTokens(configPath, reg.AppToken, reg.ServerToken); err != nil {
		return err
	}
	fmt.Printf("Registration written to %s and tokens saved to %s\n", cfg.AppService.Registration, configPath)
	return nil
}
