package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/lakeetl/admin/internal/admin"
	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/postgres"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	"github.com/malbeclabs/lakeetl/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Postgres configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string for loader state (or set POSTGRES_DSN env var)")
	catalogFlag := flag.String("catalog", "", "path to the table catalog YAML (default: embedded catalog)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run ClickHouse and Postgres migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show ClickHouse and Postgres migration status")
	statusFlag := flag.Bool("status", false, "Show recent tracks and their tables")
	statusLimitFlag := flag.Int("status-limit", 5, "Number of tracks shown by --status")
	resetToStageFlag := flag.String("reset-to-stage", "", "Rewind a closed track's tables to the named stage (e.g. READY_TO_LOAD)")
	trackIDFlag := flag.Int64("track-id", 0, "Track id for --reset-to-stage")
	tableFlag := flag.String("table", "", "Target table for --reset-to-stage (default: every table of the track)")
	requestCloseFlag := flag.Bool("request-close", false, "Ask the loader to rotate the active track on its next run")
	dropOrphansFlag := flag.Bool("drop-orphans", false, "Drop staging, premerge and stream tables no unfinished track refers to")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if envPostgresDSN := os.Getenv("POSTGRES_DSN"); envPostgresDSN != "" {
		*postgresDSNFlag = envPostgresDSN
	}

	ctx := context.Background()
	chCfg := clickhouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	if *migrateFlag || *migrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return errors.New("--clickhouse-addr is required for migrations")
		}
		if *postgresDSNFlag == "" {
			return errors.New("--postgres-dsn is required for migrations")
		}
		pool, err := postgres.NewPool(ctx, log, *postgresDSNFlag)
		if err != nil {
			return err
		}
		defer pool.Close()

		if *migrateStatusFlag {
			if err := clickhouse.MigrationStatus(ctx, log, chCfg); err != nil {
				return err
			}
			return postgres.MigrationStatus(ctx, log, pool)
		}
		if err := clickhouse.RunMigrations(ctx, log, chCfg); err != nil {
			return err
		}
		return postgres.RunMigrations(ctx, log, pool)
	}

	if !*statusFlag && *resetToStageFlag == "" && !*requestCloseFlag && !*dropOrphansFlag {
		flag.Usage()
		return nil
	}

	if *postgresDSNFlag == "" {
		return errors.New("--postgres-dsn is required")
	}
	if *clickhouseAddrFlag == "" {
		return errors.New("--clickhouse-addr is required")
	}
	pool, err := postgres.NewPool(ctx, log, *postgresDSNFlag)
	if err != nil {
		return err
	}
	defer pool.Close()

	chClient, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return err
	}
	defer chClient.Close()

	warehouse, err := clickhouse.NewWarehouse(clickhouse.WarehouseConfig{Logger: log, ClickHouse: chClient})
	if err != nil {
		return err
	}
	streams, err := stream.NewBufferProvisioner(stream.BufferConfig{Logger: log, ClickHouse: chClient})
	if err != nil {
		return err
	}
	var cat *catalog.Catalog
	if *catalogFlag != "" {
		cat, err = catalog.Load(*catalogFlag)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return err
	}

	store := track.NewPGStore(log, pool)
	lock := postgres.NewAdvisoryLock(log, pool)
	clock := clockwork.NewRealClock()
	mgr, err := track.NewManager(track.Config{
		Logger:    log,
		Clock:     clock,
		Store:     store,
		Warehouse: warehouse,
		Streams:   streams,
		Catalog:   cat,
		Metrics:   metrics.NewEmitter(log, metrics.NopSink{}),
	})
	if err != nil {
		return err
	}

	switch {
	case *statusFlag:
		tracks, err := mgr.Status(ctx, *statusLimitFlag)
		if err != nil {
			return err
		}
		return admin.PrintStatus(os.Stdout, tracks, clock.Now())

	case *resetToStageFlag != "":
		if *trackIDFlag == 0 {
			return errors.New("--track-id is required for --reset-to-stage")
		}
		stage, err := track.ParseStage(*resetToStageFlag)
		if err != nil {
			return err
		}
		err = admin.WithMaintenanceLock(ctx, log, lock, func(ctx context.Context) error {
			return mgr.ResetToStage(ctx, *trackIDFlag, *tableFlag, stage)
		})
		if err != nil {
			return err
		}
		fmt.Printf("track %d reset to %s\n", *trackIDFlag, stage)
		return nil

	case *requestCloseFlag:
		var tr *track.Track
		err := admin.WithMaintenanceLock(ctx, log, lock, func(ctx context.Context) error {
			var err error
			tr, err = mgr.RequestClose(ctx)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("close requested for track %d (%s)\n", tr.ID, tr.Prefix)
		return nil

	case *dropOrphansFlag:
		start := time.Now()
		var orphans []string
		err := admin.WithMaintenanceLock(ctx, log, lock, func(ctx context.Context) error {
			var err error
			orphans, err = admin.DropOrphans(ctx, log, warehouse, store, *dryRunFlag)
			return err
		})
		if err != nil {
			return err
		}
		log.Info("orphan sweep complete", "tables", len(orphans), "dry_run", *dryRunFlag, "duration", time.Since(start))
		return nil
	}
	return nil
}
