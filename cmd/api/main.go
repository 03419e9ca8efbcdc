package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/config"
	"staffportal.org/internal/httpapi"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/reconcile"
	"staffportal.org/internal/restriction"
	"staffportal.org/internal/roster"
	"staffportal.org/internal/store/pg"
	"staffportal.org/internal/stream"
	"staffportal.org/internal/workspace"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		obs.Error("api exited", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Version != "dev" {
		version = cfg.Version
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := stream.New()
	var (
		workspaceStore   workspace.Store
		restrictionStore restriction.Store
		probe            httpapi.ReadyProbe
		listener         *pg.Listener
	)
	if cfg.DatabaseURL != "" {
		db, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		workspaceStore = db
		restrictionStore = db.Restrictions()
		probe = httpapi.ReadyProbe{Store: db}
		listener = pg.NewListener(cfg.DatabaseURL, hub)
	} else {
		obs.Warn("PORTAL_PG_DSN is empty, using in-memory stores", nil)
		workspaceStore = workspace.NewInMemory()
		restrictionStore = restriction.NewInMemory()
	}

	rosterClient := roster.NewClient(
		roster.WithBaseURL(cfg.Roster.BaseURL),
		roster.WithTimeout(cfg.Roster.Timeout),
		roster.WithRetry(cfg.Roster.Attempts, cfg.Roster.BaseDelay),
		roster.WithRateLimit(cfg.Roster.RequestsPerSecond, cfg.Roster.Burst),
		roster.WithCacheSize(cfg.Roster.CacheSize),
	)

	resolver := workspace.NewResolver(
		workspace.WithRankObservation(func() workspace.RankLookup { return rosterClient.Scope() }),
		workspace.WithObservationHook(func(p workspace.Principal, ws workspace.Workspace, o workspace.RankObservation) {
			fields := map[string]any{
				"principal_id": p.ID,
				"workspace_id": ws.ID,
				"rank_matches": o.Matches,
			}
			if o.Err != nil {
				fields["error"] = o.Err
			}
			obs.Info("member rank observed", fields)
		}),
	)
	reconciler := reconcile.New(workspaceStore,
		func() reconcile.RosterFetcher { return rosterClient.Scope() },
		reconcile.WithWindow(cfg.Reconcile.Window),
		reconcile.WithDelay(cfg.Reconcile.Delay),
		reconcile.WithTimeout(cfg.Reconcile.Timeout),
		reconcile.WithWorkers(cfg.Reconcile.Workers),
	)
	defer reconciler.Close()

	workspaces := workspace.NewService(workspaceStore, resolver, workspace.WithReconciler(reconciler))
	restrictions := restriction.NewService(restrictionStore, hub)
	propagator := restriction.NewPropagator(restrictions, workspaces)

	sweeper, err := restriction.NewSweeper(restrictions, cfg.ExpirySweep)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sweeper.Stop(stopCtx)
	}()

	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		return err
	}

	api := httpapi.New(probe, version, httpapi.Services{
		Workspaces:   workspaces,
		Restrictions: restrictions,
		Propagator:   propagator,
		Tokens:       tokens,
	},
		httpapi.WithRateLimit(float64(cfg.RatePerSecond), cfg.RateBurst),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// No WriteTimeout: the restriction stream is long-lived.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer()
		httpapi.NewGRPCServer(probe, version).Register(grpcServer)
		g.Go(func() error {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	obs.Info("stopped", nil)
	return nil
}
