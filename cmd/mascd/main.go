package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"

	"github.com/rakunlabs/masc/internal/cluster"
	"github.com/rakunlabs/masc/internal/config"
	"github.com/rakunlabs/masc/internal/dispatch"
	"github.com/rakunlabs/masc/internal/mitosis"
	"github.com/rakunlabs/masc/internal/room"
	"github.com/rakunlabs/masc/internal/server"
	"github.com/rakunlabs/masc/internal/session"
	"github.com/rakunlabs/masc/internal/spawn"
	"github.com/rakunlabs/masc/internal/storage"
	"github.com/rakunlabs/masc/internal/storage/litestore"
	"github.com/rakunlabs/masc/internal/storage/sqlstore"
	"github.com/rakunlabs/masc/pkg/mascrpc"
)

var (
	name    = "mascd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.TelemetryEnabled {
		collector, err := tell.New(ctx, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}
		defer collector.Shutdown() //nolint:errcheck
	}

	store, encStore, err := storage.Open(ctx, storage.Options{
		Backend: storage.Backend(cfg.Backend),
		FSDir:   cfg.FSDir,
		SQL: sqlstore.Config{
			Datasource:            cfg.Postgres.URL,
			TablePrefix:           cfg.Postgres.TablePrefix,
			ClusterName:           cfg.ClusterName,
			MaxMessagesPerChannel: cfg.PubsubMaxMessages,
		},
		SQLite: litestore.Config{
			Path:                  cfg.SQLite.Path,
			TablePrefix:           cfg.SQLite.TablePrefix,
			ClusterName:           cfg.ClusterName,
			MaxMessagesPerChannel: cfg.PubsubMaxMessages,
		},
		EncryptionKey: cfg.EncryptionKey,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage backend: %w", err)
	}

	// Optional clustering: key-rotation fan-out and background-loop leader
	// election across instances sharing one room.
	cl, err := cluster.New(cfg.Alan)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	if cl != nil {
		go func() {
			if err := cl.Start(ctx, func(newKey []byte) {
				if encStore != nil && newKey != nil {
					encStore.SwapKey(newKey)
				}
			}); err != nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	spawnFn := spawn.Log()
	if cfg.SpawnURL != "" {
		spawnFn, err = spawn.HTTP(cfg.SpawnURL)
		if err != nil {
			return fmt.Errorf("failed to build spawn client: %w", err)
		}
	}

	stemPool, err := mitosis.LoadStemPool(cfg.StemPoolFile)
	if err != nil {
		return fmt.Errorf("failed to load stem pool: %w", err)
	}

	rm, err := room.New(ctx, store, spawnFn, stemPool, cl)
	if err != nil {
		return fmt.Errorf("failed to build room: %w", err)
	}

	var authority *session.Authority
	if cfg.AuthSecret != "" {
		authority = session.NewAuthority([]byte(cfg.AuthSecret))
	}

	router := dispatch.New(rm, authority)
	rpc := mascrpc.New(router, rm, mascrpc.ServerInfo{Name: name, Version: version})

	go rm.RunBackgroundLoops(ctx, cfg.ZombieThreshold, cfg.SweepInterval, cfg.GCAge)

	if cfg.HTTPPort != "" {
		var rot server.KeyRotator
		if encStore != nil {
			rot = encStore
		}
		srv, err := server.New(*cfg, rpc, rm, store, rot, cl)
		if err != nil {
			return fmt.Errorf("failed to build http server: %w", err)
		}
		if cfg.Stdio {
			go func() {
				if err := srv.Start(ctx); err != nil {
					slog.Error("http server stopped", "error", err)
				}
			}()
		} else {
			return srv.Start(ctx)
		}
	}

	if !cfg.Stdio {
		<-ctx.Done()
		return nil
	}

	return rpc.ServeStdio(ctx, os.Stdin, os.Stdout)
}
