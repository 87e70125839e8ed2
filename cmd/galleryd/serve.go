package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/lowkey-grid/api"
	"github.com/stevecastle/lowkey-grid/appconfig"
	"github.com/stevecastle/lowkey-grid/auth"
	"github.com/stevecastle/lowkey-grid/governor"
	"github.com/stevecastle/lowkey-grid/hints"
	"github.com/stevecastle/lowkey-grid/layout"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
	"github.com/stevecastle/lowkey-grid/media"
	"github.com/stevecastle/lowkey-grid/stream"
	"github.com/stevecastle/lowkey-grid/telemetry"
)

const (
	addrFlag = "addr"
	addrConf = "server.addr"

	shutdownTimeout = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	flags := cmd.Flags()
	flags.String(addrFlag, "", "override server.addr, the host:port to listen on")
	mustBindPFlag(addrConf, flags.Lookup(addrFlag))
	return cmd
}

func serve(ctx context.Context, cfg appconfig.Config, log logger.Logger) error {
	mediaDB, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer mediaDB.Close()
	if err := media.InitializeSchema(mediaDB); err != nil {
		return err
	}
	hintsDB, err := openDB(cfg.HintsDBPath)
	if err != nil {
		return err
	}
	defer hintsDB.Close()

	store, err := hints.Open(ctx, hintsDB, cfg.HintsStore(), loop.Wall{}, log.Named("hints"))
	if err != nil {
		return err
	}
	hub := stream.NewHub(stream.DefaultConfig(), log.Named("stream"))

	var tokens *auth.TokenService
	if cfg.Server.AuthEnabled {
		if tokens, err = auth.NewTokenService(cfg.JWTSecret); err != nil {
			return err
		}
	}

	lp := loop.New()
	defer lp.Close()
	var gov *governor.Governor
	if err := lp.Do(ctx, func() {
		gov = governor.New(lp, cfg.GovernorConfig(), log.Named("governor"),
			governor.WithPublisher(hub), governor.WithAspects(store))
	}); err != nil {
		return err
	}

	if err := seedCandidates(ctx, lp, gov, mediaDB); err != nil {
		log.Warn("could not load the initial candidates", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(api.Options{
			Runner:      lp,
			Governor:    gov,
			DB:          mediaDB,
			Hub:         hub,
			Tokens:      tokens,
			Logger:      log.Named("api"),
			CORSOrigins: cfg.Server.CORSOrigins,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	procs := cfg.TelemetryProcesses()
	if !procs.Empty() {
		log.Info("measuring extra processes",
			zap.Strings("names", procs.Names), zap.Bool("children", procs.Children))
	}
	sampler := telemetry.NewSampler(procs.Source(), cfg.TelemetrySampler(), log.Named("telemetry"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sampler.Run(gctx, func(s telemetry.Sample) {
			_ = lp.Submit(func() { gov.ApplySample(s) })
		})
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.Bool("auth", tokens != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Streams only end once the hub is closed.
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := lp.Do(sctx, gov.Close); derr != nil {
		log.Warn("governor did not stop cleanly", zap.Error(derr))
	}
	if cerr := store.Close(sctx); cerr != nil {
		log.Error("failed to flush aspect hints", zap.Error(cerr))
	}
	return err
}

// seedCandidates loads the whole library as the initial candidate list.
func seedCandidates(ctx context.Context, lp *loop.Loop, gov *governor.Governor, db *sql.DB) error {
	cands, err := media.Candidates(ctx, db, media.Query{})
	if err != nil {
		return err
	}
	items := make([]layout.Item, len(cands))
	for i, c := range cands {
		items[i] = layout.Item{ID: c.ID, Aspect: c.Aspect()}
	}
	return lp.Do(ctx, func() { gov.SetCandidates(items, true) })
}
