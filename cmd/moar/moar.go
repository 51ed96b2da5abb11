// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ice-blockchain/moar/cfg"
	"github.com/ice-blockchain/moar/paywall"
	"github.com/ice-blockchain/moar/server"
	"github.com/ice-blockchain/moar/server/admin"
	"github.com/ice-blockchain/moar/wot"
)

var (
	configPath string
	moar       = &cobra.Command{
		Use:   "moar",
		Short: "moar",
	}
	start = &cobra.Command{
		Use:   "start",
		Short: "start the gateway",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath); err != nil {
				log.Fatalf("moar: %v", err)
			}
		},
	}
)

func init() {
	start.Flags().StringVar(&configPath, "config", "moar.toml", "path to the gateway's TOML config file")
	moar.AddCommand(start)
}

func main() {
	if err := moar.Execute(); err != nil {
		log.Panic(err)
	}
}

func run(path string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cs, err := cfg.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config at %v: %w", path, err)
	}
	defer cs.Close()

	snap := cs.Snapshot()

	wotMgr := wot.NewManager(dataDirFor(path, "wots"), snap.DiscoveryRelays, snap.Wots)
	wotMgr.StartAll(ctx)

	paywallMgr, err := paywall.NewManager(dataDirFor(path, "paywalls"), snap.Paywalls)
	if err != nil {
		return fmt.Errorf("failed to start paywall manager: %w", err)
	}
	paywallMgr.StartAll(ctx)

	adminSrv := &admin.Server{
		Config:   cs,
		Sessions: admin.NewSessions(),
		Wot:      wotMgr,
		Paywall:  paywallMgr,
	}

	adminEngine := gin.New()
	adminEngine.Use(gin.Recovery())

	gw := server.NewGateway(snap.Domain, adminEngine)
	reg := server.NewRegistry(gw, cs, wotMgr, paywallMgr, snap.Domain, snap.Port, snap.AdminPubkey)

	adminSrv.RelayStore = reg.RelayEventStore
	admin.Register(adminEngine, adminSrv, admin.Deps{
		UpsertRelay:   func(id string) error { return reg.UpsertRelay(ctx, id) },
		RemoveRelay:   reg.RemoveRelay,
		UpsertBlossom: reg.UpsertBlossom,
		RemoveBlossom: reg.RemoveBlossom,
		KnownHost:     gw.KnownHost,
	})

	if err := reg.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load hosted instances: %w", err)
	}

	if err := cs.WatchExternalEdits(func() {
		log.Printf("config: external edit detected, config reloaded from disk")
	}); err != nil {
		log.Printf("config: failed to watch %v for external edits: %v", path, err)
	}

	addr := fmt.Sprintf(":%d", snap.Port)
	log.Printf("moar: listening on %v for domain %v", addr, snap.Domain)

	return server.ListenAndServe(ctx, addr, gw)
}

func dataDirFor(configPath, sub string) string {
	return configPath + ".d/" + sub
}
