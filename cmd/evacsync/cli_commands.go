// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/staysafer/evacsync/internal/agent"
	"github.com/staysafer/evacsync/internal/api"
	"github.com/staysafer/evacsync/internal/config"
	"github.com/staysafer/evacsync/internal/evac"
	"github.com/staysafer/evacsync/internal/observability"
	"github.com/staysafer/evacsync/internal/session"
	"github.com/staysafer/evacsync/internal/simulator"
	"github.com/staysafer/evacsync/pkg/logging"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	loginToken   string
	loginUserID  string
	loginCompany string

	simAddr string

	rootCmd = &cobra.Command{
		Use:   "evacsync",
		Short: "Client-side sync engine for evacuation coordination",
		Long: `evacsync keeps a device's view of its company converged with the
backend: rosters, evacuation lists, active events, and check-ins, over
authoritative fetches plus a websocket push channel.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		Long: `Resumes the persisted session (or logs in with --token/--user/--company),
connects to the backend, and reconciles until SIGINT/SIGTERM or the
session token expires.`,
		RunE: runAgent,
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Run the in-memory development backend",
		Long: `Serves the REST and websocket push protocols over a seeded demo world
so the agent can run without the production service.`,
		RunE: runSimulator,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the evacsync version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "evacsync", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "evacsync.yaml", "path to the configuration file")

	runCmd.Flags().StringVar(&loginToken, "token", "", "session token for a fresh login")
	runCmd.Flags().StringVar(&loginUserID, "user", "", "user id for a fresh login")
	runCmd.Flags().StringVar(&loginCompany, "company", "", "company id for a fresh login")

	simulateCmd.Flags().StringVar(&simAddr, "addr", "127.0.0.1:8790", "listen address for the simulator")

	rootCmd.AddCommand(runCmd, simulateCmd, versionCmd)
}

func newLogger(cfg config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "evacsync",
		JSON:    cfg.Log.JSON,
	})
}

// resumeOrLogin loads the persisted identity, falling back to the login
// flags for a first run.
func resumeOrLogin(persist *session.Store, logger *logging.Logger) (session.Identity, error) {
	id, found, err := persist.Load()
	if err != nil {
		return session.Identity{}, err
	}
	if found && id.Token != "" {
		logger.Info("resuming persisted session", "user_id", id.UserID, "company_id", id.CompanyID)
		return id, nil
	}
	if loginToken == "" || loginUserID == "" || loginCompany == "" {
		return session.Identity{}, errors.New("no persisted session; pass --token, --user, and --company")
	}
	id = session.Identity{UserID: loginUserID, CompanyID: loginCompany, Token: loginToken}
	if err := persist.Save(id); err != nil {
		return session.Identity{}, err
	}
	logger.Info("new session persisted", "user_id", id.UserID, "company_id", id.CompanyID)
	return id, nil
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Close()

	persist, err := session.OpenStore(session.DefaultStoreConfig(cfg.Session.Dir))
	if err != nil {
		return err
	}
	defer persist.Close()

	identity, err := resumeOrLogin(persist, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, session.New(identity), persist, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.ListenAddr != "" {
		server := &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			logger.Info("metrics endpoint up", "addr", cfg.Metrics.ListenAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Close()
		})
	}
	g.Go(func() error {
		return config.Watch(gctx, configPath, logger, a.Reload)
	})
	g.Go(func() error {
		return a.Run(gctx)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, api.ErrAuthExpired):
		logger.Warn("session expired; log in again with --token")
		return err
	case errors.Is(err, gctx.Err()):
		return nil
	default:
		return err
	}
}

// seedDemoWorld populates the simulator with a small company so the
// agent has something to sync against out of the box.
func seedDemoWorld(world *simulator.World, logger *logging.Logger) {
	members := []struct {
		member evac.Member
		token  string
	}{
		{evac.Member{ID: "u-ada", CompanyID: "co-demo", Name: "Ada", Email: "ada@demo.test", Role: evac.RoleAdmin, IsCompanyMember: true}, "tok-ada"},
		{evac.Member{ID: "u-bo", CompanyID: "co-demo", Name: "Bo", Email: "bo@demo.test", Role: evac.RoleOperator, IsCompanyMember: true}, "tok-bo"},
		{evac.Member{ID: "u-cy", CompanyID: "co-demo", Name: "Cy", Email: "cy@demo.test", Role: evac.RoleCollaborator, IsCompanyMember: true}, "tok-cy"},
	}
	for _, m := range members {
		world.SeedMember(m.member, m.token)
		logger.Info("seeded member", "user_id", m.member.ID, "role", m.member.Role, "token", m.token)
	}
	world.SeedPoint(evac.EvacPoint{ID: "pt-lot", CompanyID: "co-demo", Name: "North Parking Lot"})
	world.SeedList(evac.EvacList{
		ID: "list-hq", CompanyID: "co-demo", Name: "Headquarters",
		MemberIDs: []string{"u-ada", "u-bo", "u-cy"},
	})
	logger.Info("seeded demo company", "company_id", "co-demo", "list_id", "list-hq")
}

func runSimulator(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// The simulator is self-contained; run with defaults when no
		// config file is around.
		cfg = config.Default()
	}
	logger := newLogger(cfg)
	defer logger.Close()

	world := simulator.NewWorld()
	seedDemoWorld(world, logger)
	return simulator.NewServer(world, logger).Run(simAddr)
}
