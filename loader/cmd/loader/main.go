package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/lakeetl/loader/pkg/catalog"
	"github.com/malbeclabs/lakeetl/loader/pkg/clickhouse"
	"github.com/malbeclabs/lakeetl/loader/pkg/metrics"
	"github.com/malbeclabs/lakeetl/loader/pkg/orchestrator"
	"github.com/malbeclabs/lakeetl/loader/pkg/postgres"
	"github.com/malbeclabs/lakeetl/loader/pkg/server"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	"github.com/malbeclabs/lakeetl/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:3020"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	onceFlag := flag.Bool("once", false, "run a single maintenance pass and exit (for an external scheduler)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP status server listen address")
	catalogFlag := flag.String("catalog", "", "path to the table catalog YAML (default: embedded catalog)")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "run ClickHouse and Postgres migrations on startup")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseHTTPAddrFlag := flag.String("clickhouse-addr-http", "", "ClickHouse HTTP address for pipeline statements (default: clickhouse-addr host on port 8123, or set CLICKHOUSE_ADDR_HTTP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	clickhouseQueueCapacityFlag := flag.Int("clickhouse-queue-capacity", 0, "override the warehouse's max_concurrent_queries (0 = read from server)")

	// Postgres configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string for loader state (or set POSTGRES_DSN env var)")

	// InfluxDB configuration (optional)
	influxURLFlag := flag.String("influx-url", "", "InfluxDB URL for operational points (or set INFLUX_URL env var)")
	influxTokenFlag := flag.String("influx-token", "", "InfluxDB token (or set INFLUX_TOKEN env var)")
	influxBucketFlag := flag.String("influx-bucket", "", "InfluxDB bucket (or set INFLUX_BUCKET env var)")

	// Stream configuration
	streamProviderFlag := flag.String("stream-provider", "buffer", "delivery stream provider: buffer or firehose (or set STREAM_PROVIDER env var)")
	streamFlushIntervalFlag := flag.Duration("stream-flush-interval", 5*time.Minute, "longest a record may sit in a delivery stream")
	firehoseEndpointFlag := flag.String("firehose-endpoint-url", "", "HTTP endpoint Firehose delivers to, {table} is replaced with the staging table (or set FIREHOSE_ENDPOINT_URL env var)")
	firehoseAccessKeyFlag := flag.String("firehose-access-key", "", "access key sent with Firehose deliveries (or set FIREHOSE_ACCESS_KEY env var)")
	firehoseRoleARNFlag := flag.String("firehose-role-arn", "", "IAM role Firehose assumes (or set FIREHOSE_ROLE_ARN env var)")
	firehoseBackupBucketFlag := flag.String("firehose-backup-bucket", "", "S3 bucket for rejected records (or set FIREHOSE_BACKUP_BUCKET env var)")
	awsRegionFlag := flag.String("aws-region", "us-east-1", "AWS region (or set AWS_REGION env var)")
	awsEndpointFlag := flag.String("aws-endpoint-url", "", "AWS endpoint override, e.g. LocalStack (or set AWS_ENDPOINT_URL env var)")

	// Orchestration
	intervalFlag := flag.Duration("interval", time.Minute, "time between maintenance runs in service mode")
	runBudgetFlag := flag.Duration("run-budget", 55*time.Second, "how long one run keeps starting tasks")
	targetDurationFlag := flag.Duration("track-target-duration", 60*time.Minute, "how long a track stays active before rotating")
	quiescenceFlag := flag.Duration("quiescence-duration", 15*time.Minute, "how long a closed track waits for in-flight records")
	maxTracksFlag := flag.Int("max-concurrent-tracks", 2, "ceiling on unfinished tracks")
	vacuumToleranceFlag := flag.Float64("vacuum-unsorted-tolerance-pct", 5, "unsorted share below which vacuum is skipped")
	warehouseQueueFlag := flag.String("warehouse-queue", "default", "warehouse queue whose capacity bounds vacuum")
	slotWaitFlag := flag.Duration("slot-wait-interval", 5*time.Second, "time between warehouse slot checks")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_HTTP"); v != "" {
		*clickhouseHTTPAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		*postgresDSNFlag = v
	}
	if v := os.Getenv("INFLUX_URL"); v != "" {
		*influxURLFlag = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		*influxTokenFlag = v
	}
	if v := os.Getenv("INFLUX_BUCKET"); v != "" {
		*influxBucketFlag = v
	}
	if v := os.Getenv("STREAM_PROVIDER"); v != "" {
		*streamProviderFlag = v
	}
	if v := os.Getenv("FIREHOSE_ENDPOINT_URL"); v != "" {
		*firehoseEndpointFlag = v
	}
	if v := os.Getenv("FIREHOSE_ACCESS_KEY"); v != "" {
		*firehoseAccessKeyFlag = v
	}
	if v := os.Getenv("FIREHOSE_ROLE_ARN"); v != "" {
		*firehoseRoleARNFlag = v
	}
	if v := os.Getenv("FIREHOSE_BACKUP_BUCKET"); v != "" {
		*firehoseBackupBucketFlag = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		*awsRegionFlag = v
	}
	if v := os.Getenv("AWS_ENDPOINT_URL"); v != "" {
		*awsEndpointFlag = v
	}
	if v := os.Getenv("MAX_CONCURRENT_TRACKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*maxTracksFlag = n
		}
	}

	log := logger.New(*verboseFlag)

	if *clickhouseAddrFlag == "" {
		return errors.New("--clickhouse-addr is required")
	}
	if *postgresDSNFlag == "" {
		return errors.New("--postgres-dsn is required")
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         sentryDSN,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
			sentryDSN = ""
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	log.Info("loader starting",
		"version", version,
		"commit", commit,
		"once", *onceFlag,
		"stream_provider", *streamProviderFlag,
		"sentry_enabled", sentryDSN != "",
	)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Set up signal handling with detailed logging
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("loader: received signal", "signal", sig.String())
		cancel()
	}()

	cat, err := loadCatalog(*catalogFlag)
	if err != nil {
		return err
	}

	if *migrationsEnableFlag {
		if err := clickhouse.RunMigrations(ctx, log, clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}); err != nil {
			return fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
	}

	chClient, err := clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer chClient.Close()

	// Pipeline statements go over HTTP so they keep running after a --once
	// process exits.
	httpAddr := *clickhouseHTTPAddrFlag
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr(*clickhouseAddrFlag)
	}
	chAsync, err := clickhouse.NewHTTPClient(ctx, log, httpAddr, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse HTTP client: %w", err)
	}
	defer chAsync.Close()

	whCfg := clickhouse.WarehouseConfig{Logger: log, ClickHouse: chClient, Async: chAsync}
	if *clickhouseQueueCapacityFlag > 0 {
		whCfg.QueueCapacities = map[string]int{*warehouseQueueFlag: *clickhouseQueueCapacityFlag}
	}
	warehouse, err := clickhouse.NewWarehouse(whCfg)
	if err != nil {
		return fmt.Errorf("failed to create warehouse: %w", err)
	}
	defer warehouse.Close()

	pool, err := postgres.NewPool(ctx, log, *postgresDSNFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer pool.Close()

	if *migrationsEnableFlag {
		if err := postgres.RunMigrations(ctx, log, pool); err != nil {
			return fmt.Errorf("failed to run Postgres migrations: %w", err)
		}
	}

	streams, err := newStreamProvisioner(ctx, log, chClient, streamOptions{
		provider:       *streamProviderFlag,
		flushInterval:  *streamFlushIntervalFlag,
		endpointURL:    *firehoseEndpointFlag,
		accessKey:      *firehoseAccessKeyFlag,
		roleARN:        *firehoseRoleARNFlag,
		backupBucket:   *firehoseBackupBucketFlag,
		awsRegion:      *awsRegionFlag,
		awsEndpointURL: *awsEndpointFlag,
	})
	if err != nil {
		return err
	}

	var sink metrics.Sink = metrics.NopSink{}
	if *influxURLFlag != "" {
		influx, err := metrics.NewInfluxSink(metrics.InfluxConfig{
			Host:     *influxURLFlag,
			Token:    *influxTokenFlag,
			Database: *influxBucketFlag,
		})
		if err != nil {
			return err
		}
		defer influx.Close()
		sink = influx
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Track: track.Config{
			Logger:                     log,
			Clock:                      clockwork.NewRealClock(),
			Store:                      track.NewPGStore(log, pool),
			Warehouse:                  warehouse,
			Streams:                    streams,
			Catalog:                    cat,
			Metrics:                    metrics.NewEmitter(log, sink),
			TargetDuration:             *targetDurationFlag,
			QuiescenceDuration:         *quiescenceFlag,
			StreamFlushInterval:        *streamFlushIntervalFlag,
			MaxConcurrentTracks:        *maxTracksFlag,
			VacuumUnsortedTolerancePct: *vacuumToleranceFlag,
		},
		Lock:             postgres.NewAdvisoryLock(log, pool),
		Slots:            warehouse,
		RunBudget:        *runBudgetFlag,
		Interval:         *intervalFlag,
		WarehouseQueue:   *warehouseQueueFlag,
		WarehouseUser:    *clickhouseUsernameFlag,
		SlotWaitInterval: *slotWaitFlag,
		ReportError: func(err error) {
			if sentryDSN != "" {
				sentry.CaptureException(err)
			}
		},
	})
	if err != nil {
		return err
	}

	if *onceFlag {
		res, err := orch.DoMaintenance(ctx)
		if err != nil {
			return err
		}
		log.Info("loader: run finished",
			"skipped", res.Skipped,
			"tasks", res.TasksGenerated,
			"executed", res.TasksExecuted,
			"failed", res.TasksFailed,
			"deferred", res.TasksDeferred,
		)
		if res.TasksFailed > 0 {
			return fmt.Errorf("%d tasks failed", res.TasksFailed)
		}
		return nil
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Maintainer: orch,
		ListenAddr: *listenAddrFlag,
		Sentry:     sentryDSN != "",
	})
	if err != nil {
		return err
	}

	orch.Start(ctx)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("loader: shut down")
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

type streamOptions struct {
	provider       string
	flushInterval  time.Duration
	endpointURL    string
	accessKey      string
	roleARN        string
	backupBucket   string
	awsRegion      string
	awsEndpointURL string
}

// defaultHTTPAddr swaps the port of a native protocol address for the
// HTTP interface's.
func defaultHTTPAddr(nativeAddr string) string {
	host, _, err := net.SplitHostPort(nativeAddr)
	if err != nil {
		host = nativeAddr
	}
	return net.JoinHostPort(host, "8123")
}

func newStreamProvisioner(ctx context.Context, log *slog.Logger, ch clickhouse.Client, opts streamOptions) (stream.Provisioner, error) {
	switch opts.provider {
	case "buffer":
		return stream.NewBufferProvisioner(stream.BufferConfig{
			Logger:        log,
			ClickHouse:    ch,
			FlushInterval: opts.flushInterval,
		})
	case "firehose":
		fh, s3c, err := stream.NewAWSClients(ctx, stream.AWSConfig{
			Region:          opts.awsRegion,
			EndpointURL:     opts.awsEndpointURL,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return nil, err
		}
		return stream.NewFirehoseProvisioner(stream.FirehoseConfig{
			Logger:         log,
			Firehose:       fh,
			S3:             s3c,
			EndpointURL:    opts.endpointURL,
			AccessKey:      opts.accessKey,
			RoleARN:        opts.roleARN,
			BackupBucket:   opts.backupBucket,
			BufferInterval: opts.flushInterval,
		})
	default:
		return nil, fmt.Errorf("unknown stream provider %q", opts.provider)
	}
}
