// Command fc-server runs the federated test-resource coordinator: it
// loads the managed-resource/framework configuration, starts every
// registered framework plugin's schedule loop, and serves a
// read-only status API, until told to shut down.
//
// Flags fall back to environment variables, so the binary runs the
// same in a container (env-driven) and from a shell (flag-driven).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamspace-dev/fc-coordinator/internal/api"
	"github.com/streamspace-dev/fc-coordinator/internal/cluster"
	"github.com/streamspace-dev/fc-coordinator/internal/config"
	"github.com/streamspace-dev/fc-coordinator/internal/coordinator"
	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
	"github.com/streamspace-dev/fc-coordinator/internal/frameworks/labgrid"
	"github.com/streamspace-dev/fc-coordinator/internal/frameworks/lava"
	"github.com/streamspace-dev/fc-coordinator/internal/logger"
	"github.com/streamspace-dev/fc-coordinator/internal/plugin"
	"github.com/streamspace-dev/fc-coordinator/internal/runtime"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", envOr("FC_SERVER_CFG_PATH", ""), "path to the config directory or cfg.yaml file")
	logLevel := flag.String("log-level", envOr("FC_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	prettyLog := flag.Bool("pretty-log", envOr("FC_LOG_PRETTY", "") != "", "use human-readable console log output")
	flag.Parse()

	logger.Initialize(*logLevel, *prettyLog)
	log := logger.Component("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	registry := plugin.NewRegistry()
	coord := coordinator.New(cfg, registry)

	closers, err := registerFrameworks(cfg, registry, coord)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register frameworks")
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("framework client close failed")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var group runtime.Group
	if err := coord.Start(ctx, &group); err != nil {
		log.Fatal().Err(err).Msg("failed to start coordinator")
	}

	statusServer := api.New(coord)

	if cfg.Cluster != nil && cfg.Cluster.Enable {
		membership, err := newMembershipCache(cfg.Cluster)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start cluster membership cache")
		}
		defer membership.Close()
		statusServer.WithMembership(membership)
		group.Spawn(func() {
			runtime.TickLoop(ctx, "cluster-membership", 10*time.Second, func(tickCtx context.Context) error {
				return membership.Refresh(tickCtx, cfg.Cluster.InstanceName, 30*time.Second)
			})
		})
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIServer.Port),
		Handler: statusServer.Engine(),
	}
	group.Spawn(func() {
		log.Info().Str("addr", httpServer.Addr).Msg("status API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status API server failed")
		}
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status API shutdown did not complete cleanly")
	}

	coord.Stop()
	group.Wait()
	log.Info().Msg("shutdown complete")
}

// newMembershipCache builds the cluster membership backend. The
// config schema's cluster.etcd field (inherited from
// fc_common/etcd.py) selects the etcd-backed implementation;
// internal/cluster.RedisCache remains available for deployments that
// prefer Redis, wired in the same way once cluster config grows a
// redis_addr field.
func newMembershipCache(cfg *config.ClusterConfig) (cluster.MembershipCache, error) {
	return cluster.NewEtcdCache(cfg.Etcd)
}

// registerFrameworks constructs and registers a Handler for every
// framework named in cfg.RegisteredFrameworks. Only "lava" and
// "labgrid" are known framework kinds; the framework name in
// configuration doubles as the kind selector, matching the original
// treating registered_frameworks entries as plugin module names.
func registerFrameworks(cfg *config.Config, registry *plugin.Registry, coord *coordinator.Coordinator) ([]io.Closer, error) {
	var closers []io.Closer
	for _, name := range cfg.RegisteredFrameworks {
		fwCfg := cfg.FrameworksConfig[name]

		var handler plugin.Handler
		switch name {
		case "lava":
			url, _ := fwCfg.Settings["lava_url"].(string)
			token, _ := fwCfg.Settings["lava_token"].(string)
			handler = lava.New(lava.NewHTTPClient(url, token), coord)
		case "labgrid":
			crossbar, _ := fwCfg.Settings["lg_crossbar"].(string)
			username, _ := fwCfg.Settings["lg_username"].(string)
			client, err := labgrid.Dial(context.Background(), crossbar, username)
			if err != nil {
				return nil, fmt.Errorf("dialing labgrid: %w", err)
			}
			closers = append(closers, client)
			handler = labgrid.New(client, coord)
		default:
			return nil, fmt.Errorf("unknown framework kind %q", name)
		}

		if fwCfg.Default {
			if _, ok := handler.(plugin.DefaultFrameworkBridge); !ok {
				return nil, fmt.Errorf("framework %q: %w", name, fcerrors.ErrDefaultFrameworkNoBridge)
			}
		}

		if err := registry.Register(plugin.Registration{
			Handler:   handler,
			Priority:  fwCfg.Priority,
			Seize:     fwCfg.Seize,
			IsDefault: fwCfg.Default,
		}); err != nil {
			return nil, err
		}
	}
	return closers, nil
}
