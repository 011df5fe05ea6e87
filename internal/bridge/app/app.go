// Package app wires the bridge together: storage, the Matrix and Letta
// clients, the provisioning loop, the ingress sync loop, the router, and the
// health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/config"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/ingress"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/letta"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/matrix"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/provision"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/router"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/store"
	"github.com/oculairmedia/Letta-Matrix-sub002/internal/bridge/syncloop"
)

// App is the assembled bridge.
type App struct {
	cfg          *config.Config
	store        *store.Store
	matrix       *matrix.Client
	letta        *letta.Client
	provisioner  *provision.Provisioner
	router       *router.Router
	ingress      *ingress.Ingress
	loop         *syncloop.Loop
	healthServer *HealthServer
}

// newHTTPClient builds the shared pooled transport used for both the
// homeserver and the Letta API. One pool keeps connection reuse high when
// dozens of agent sessions talk to the same homeserver.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// New assembles the bridge from configuration. No network traffic happens
// here; the first homeserver contact is the initial provisioning cycle.
func New(cfg *config.Config) (*App, error) {
	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	httpClient := newHTTPClient()
	mx := matrix.New(matrix.Config{
		HomeserverURL: cfg.HomeserverURL,
		ServerName:    cfg.ServerName,
		HTTP:          httpClient,
		DB:            st.DB(),
	})
	lt := letta.New(cfg.LettaAPIURL, cfg.LettaToken, httpClient)

	admin := matrix.Identity{Username: cfg.AdminUsername, Password: cfg.AdminPassword}
	bot := matrix.Identity{Username: cfg.BotUsername, Password: cfg.BotPassword}

	prov := provision.New(provision.Config{
		Admin:     admin,
		CoreUsers: cfg.CoreUsers,
		DevMode:   cfg.DevMode,
	}, mx, lt, st)

	rt := router.New(st, lt, mx, cfg.RouterWorkers)
	ing := ingress.New(mx, bot, st, rt)
	loop := syncloop.New(prov, st, cfg.SyncInterval, cfg.DedupeTTL)

	a := &App{
		cfg:         cfg,
		store:       st,
		matrix:      mx,
		letta:       lt,
		provisioner: prov,
		router:      rt,
		ingress:     ing,
		loop:        loop,
	}
	if cfg.HTTPAddr != "" {
		a.healthServer = NewHealthServer(cfg.HTTPAddr, st, rt)
	}
	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails fatally.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			return err
		}
	}

	a.router.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.loop.Run(ctx)
	}()
	go func() {
		errCh <- a.ingress.Run(ctx)
	}()

	slog.Info("bridge running",
		"homeserver", a.cfg.HomeserverURL,
		"letta", a.cfg.LettaAPIURL,
		"sync_interval", a.cfg.SyncInterval,
		"router_workers", a.cfg.RouterWorkers)

	err := <-errCh
	cancel()
	a.router.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	if a.healthServer != nil {
		a.healthServer.Stop()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}
