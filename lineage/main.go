package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/internal/platform/env"
	"github.com/loomworks/loom/internal/platform/httpserver"
	"github.com/loomworks/loom/metadata/sqlstore"
	"github.com/loomworks/loom/postexec"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("LOOM_LINEAGE_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("LOOM_LINEAGE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	metaDriver := env.String("LOOM_METADATA_DRIVER", "sqlite")
	var (
		meta *sqlstore.Store
		db   *sql.DB
	)
	switch metaDriver {
	case "sqlite":
		path := env.String("LOOM_SQLITE_PATH", "loom.db")
		meta, db, err = sqlstore.OpenSQLite(ctx, path)
	case "postgres":
		cfg, cfgErr := sqlstore.PostgresConfigFromEnv()
		if cfgErr != nil {
			logger.Error("invalid database config", "error", cfgErr)
			os.Exit(2)
		}
		meta, db, err = sqlstore.OpenPostgres(ctx, cfg)
	default:
		logger.Error("unknown metadata driver", "driver", metaDriver)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("metadata store unavailable", "driver", metaDriver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	readiness := []httpserver.ReadinessCheck{{
		Name: "metadata",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	}}

	var blobs artifact.Store
	artifactDriver := env.String("LOOM_ARTIFACT_DRIVER", "fs")
	switch artifactDriver {
	case "fs":
		root := env.String("LOOM_ARTIFACT_ROOT", "artifacts")
		blobs, err = artifact.NewFSStore(root)
		if err != nil {
			logger.Error("artifact store unavailable", "driver", artifactDriver, "error", err)
			os.Exit(1)
		}
	case "minio":
		cfg, cfgErr := artifact.MinioConfigFromEnv()
		if cfgErr != nil {
			logger.Error("invalid minio config", "error", cfgErr)
			os.Exit(2)
		}
		store, storeErr := artifact.NewMinioStore(cfg)
		if storeErr != nil {
			logger.Error("artifact store unavailable", "driver", artifactDriver, "error", storeErr)
			os.Exit(1)
		}
		blobs = store
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return store.Ping(checkCtx)
			},
		})
	default:
		logger.Error("unknown artifact driver", "driver", artifactDriver)
		os.Exit(2)
	}

	client, err := postexec.NewClient(meta, blobs)
	if err != nil {
		logger.Error("invalid postexec client", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("lineage"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("lineage", readiness...))

	api := newLineageAPI(logger, client)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "lineage",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
