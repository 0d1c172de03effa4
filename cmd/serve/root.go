package serve

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/kvasir-db/kvasir/cmd/util"
	"github.com/kvasir-db/kvasir/lib/engine"
	"github.com/kvasir-db/kvasir/lib/persistence"
	"github.com/kvasir-db/kvasir/lib/recovery"
	"github.com/kvasir-db/kvasir/lib/snapshot"
	"github.com/kvasir-db/kvasir/rpc/common"
	"github.com/kvasir-db/kvasir/rpc/server"
)

// Version is injected by the root command.
var Version = "dev"

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the kvasir server",
		Long:    `Start the kvasir server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is KVASIR_<flag> (e.g. KVASIR_SHARD_COUNT=128)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitEnv)

	// add flags
	key := "bind-address"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:2524", cmdUtil.WrapString("The address on which the server will listen"))

	key = "shard-count"
	ServeCmd.PersistentFlags().Int(key, engine.DefaultNumShards, cmdUtil.WrapString("Number of engine shards. Fixed for the lifetime of the process"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("The level at which logs will be output (debug, info, warn, error)"))

	key = "persistence-enabled"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether writes are journaled and snapshotted. When false the store is a pure in-memory cache"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for write-ahead log and snapshot files"))

	key = "wal-flush-interval-ms"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("How often buffered log entries are fsynced, in milliseconds. Bounds the data lost in a crash"))

	key = "wal-max-file-size"
	ServeCmd.PersistentFlags().String(key, "1GiB", cmdUtil.WrapString("Size at which the active log file is sealed and a new one opened (accepts units, e.g. 64MiB)"))

	key = "snapshot-interval-secs"
	ServeCmd.PersistentFlags().Int(key, 300, cmdUtil.WrapString("Wall-clock seconds between automatic snapshots"))

	key = "snapshot-ops-threshold"
	ServeCmd.PersistentFlags().Int64(key, persistence.DefaultSnapshotOpsThreshold, cmdUtil.WrapString("Journaled operations that trigger an early snapshot"))

	key = "snapshot-keep-count"
	ServeCmd.PersistentFlags().Int(key, snapshot.DefaultKeepCount, cmdUtil.WrapString("How many verified snapshots to retain"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional address for a Prometheus metrics listener (e.g. :9090). Empty disables it"))
}

// processConfig reads the configuration from the command line flags and
// environment variables into the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	maxFileSize, err := humanize.ParseBytes(viper.GetString("wal-max-file-size"))
	if err != nil {
		return fmt.Errorf("invalid wal-max-file-size: %w", err)
	}

	serveCmdConfig.BindAddress = viper.GetString("bind-address")
	serveCmdConfig.ShardCount = viper.GetInt("shard-count")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.PersistenceEnabled = viper.GetBool("persistence-enabled")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.WalFlushInterval = time.Duration(viper.GetInt("wal-flush-interval-ms")) * time.Millisecond
	serveCmdConfig.WalMaxFileSize = int64(maxFileSize)
	serveCmdConfig.SnapshotInterval = time.Duration(viper.GetInt("snapshot-interval-secs")) * time.Second
	serveCmdConfig.SnapshotOpsThreshold = viper.GetInt64("snapshot-ops-threshold")
	serveCmdConfig.SnapshotKeepCount = viper.GetInt("snapshot-keep-count")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")

	return serveCmdConfig.Validate()
}

// run starts the kvasir server and blocks until a shutdown signal
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLogger(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	log.Infof("starting kvasir v%s", Version)
	log.Info(serveCmdConfig.String())

	e := engine.New(&engine.Options{NumShards: serveCmdConfig.ShardCount})

	// rebuild state and wire the journal before the listener exists
	var coord *persistence.Coordinator
	if serveCmdConfig.PersistenceEnabled {
		if _, err := recovery.Run(serveCmdConfig.DataDir, e); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}

		var err error
		coord, err = persistence.Start(persistence.Options{
			Dir:                  serveCmdConfig.DataDir,
			FlushInterval:        serveCmdConfig.WalFlushInterval,
			SnapshotInterval:     serveCmdConfig.SnapshotInterval,
			SnapshotOpsThreshold: serveCmdConfig.SnapshotOpsThreshold,
			SnapshotKeepCount:    serveCmdConfig.SnapshotKeepCount,
			WalMaxFileSize:       serveCmdConfig.WalMaxFileSize,
		}, e)
		if err != nil {
			return err
		}
		e.SetJournal(coord.LogRecord)
	} else {
		log.Warn("persistence disabled, running as in-memory cache")
	}

	if serveCmdConfig.MetricsEndpoint != "" {
		go serveMetrics(serveCmdConfig.MetricsEndpoint)
	}

	srv := server.New(server.Options{
		BindAddress: serveCmdConfig.BindAddress,
		Version:     Version,
	}, e)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Close(); err != nil {
		log.WithError(err).Warn("server close failed")
	}
	if coord != nil {
		// snapshot the final state so the next start replays little
		coord.Snapshot()
		if err := coord.Stop(); err != nil {
			return fmt.Errorf("persistence shutdown failed: %w", err)
		}
	}
	return nil
}

// serveMetrics exposes every registered counter in Prometheus text format.
func serveMetrics(endpoint string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	log.WithField("endpoint", endpoint).Info("metrics listener started")
	if err := http.ListenAndServe(endpoint, mux); err != nil {
		log.WithError(err).Error("metrics listener failed")
	}
}
