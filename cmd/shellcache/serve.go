package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shellcache/shellcache"
	"github.com/shellcache/shellcache/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/pkg/network"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	port    int
	origin  string
	host    string
	driver  string
	db      string
	version string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache controller in front of the origin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(root.configPath)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, opts, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 8080, "Port to listen on (overrides config)")
	cmd.Flags().StringVar(&opts.origin, "origin", "", "Origin URL to proxy to (overrides config)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Hostname of origin, if the origin URL is an IP address")
	cmd.Flags().StringVar(&opts.driver, "storage", "", "Storage driver: memory, sqlite, leveldb or redis (overrides config)")
	cmd.Flags().StringVar(&opts.db, "db", "", "SQLite file or LevelDB directory (overrides config)")
	cmd.Flags().StringVar(&opts.version, "cache-version", "", "Version to install at startup (overrides config)")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, opts *serveOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("origin") {
		cfg.Origin.URL = opts.origin
	}
	if flags.Changed("host") {
		cfg.Origin.Host = opts.host
	}
	if flags.Changed("storage") {
		cfg.Storage.Driver = opts.driver
	}
	if flags.Changed("db") {
		cfg.Storage.Path = opts.db
	}
	if flags.Changed("cache-version") {
		cfg.Cache.Version = opts.version
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctrl, err := newController(cfg, st)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	// event streams only end with their request
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying port %v to %s (scope %s, storage %s)", cfg.Server.Port, cfg.Origin.URL, cfg.Scope, cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		installConfigured(gctx, ctrl, cfg.Cache)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newController(cfg config.Config, st *storages) (*shellcache.Controller, error) {
	fetcher := network.NewOriginFetcher(network.OriginConfig{
		Scope:      *cfg.ScopeURL(),
		Origin:     *cfg.OriginURL(),
		OriginHost: cfg.Origin.Host,
		Timeout:    cfg.Origin.Timeout,
	})
	var outbox cache.Storage
	if cfg.Sync {
		outbox = st.outbox
	}
	return shellcache.CreateController(shellcache.Config{
		Storage:            st.generations,
		Outbox:             outbox,
		Scope:              *cfg.ScopeURL(),
		Fetcher:            fetcher,
		Passthrough:        fetcher.ReverseProxy(),
		Logger:             &log.Logger,
		OfflineDocument:    cfg.Cache.OfflineDocument,
		Rules:              cfg.Cache.Rules,
		Notifications:      cfg.Notifications,
		InstallConcurrency: cfg.Cache.InstallConcurrency,
	})
}

// installConfigured makes the configured version current: the stored generation
// is reused if complete, otherwise the version is installed from the network.
// A shutdown during the install abandons it.
func installConfigured(ctx context.Context, ctrl *shellcache.Controller, cc config.CacheConfig) {
	if cc.Version == "" {
		log.Info().Msg("No cache version configured, requests go to the network until one is registered")
		return
	}
	restored, err := ctrl.Restore(ctx, cc.Version, cc.Manifest)
	if err != nil {
		log.Warn().Err(err).Str("version", cc.Version).Msg("Could not restore cache generation")
	}
	if restored {
		log.Info().Str("version", cc.Version).Msg("Serving stored cache generation")
		return
	}
	if err := ctrl.Register(ctx, cc.Version, cc.Manifest); err != nil {
		log.Error().Err(err).Str("version", cc.Version).Msg("Could not install cache version")
		return
	}
	log.Info().Str("version", ctrl.ActiveVersion()).Msg("Cache version installed")
}
