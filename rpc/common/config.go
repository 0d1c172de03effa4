package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ServerConfig carries every startup setting of the serve command, parsed
// from flags and environment before anything is wired together.
type ServerConfig struct {
	BindAddress string
	ShardCount  int
	LogLevel    string

	// persistence; ignored when PersistenceEnabled is false
	PersistenceEnabled   bool
	DataDir              string
	WalFlushInterval     time.Duration
	WalMaxFileSize       int64
	SnapshotInterval     time.Duration
	SnapshotOpsThreshold int64
	SnapshotKeepCount    int

	// empty disables the metrics listener
	MetricsEndpoint string
}

// String renders the configuration for the startup log.
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Bind Address", c.BindAddress)
	addField("Shard Count", strconv.Itoa(c.ShardCount))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Persistence")
	addField("Enabled", strconv.FormatBool(c.PersistenceEnabled))
	if c.PersistenceEnabled {
		addField("Data Dir", c.DataDir)
		addField("WAL Flush Interval", c.WalFlushInterval.String())
		addField("WAL Max File Size", humanize.IBytes(uint64(c.WalMaxFileSize)))
		addField("Snapshot Interval", c.SnapshotInterval.String())
		addField("Snapshot Ops Threshold", strconv.FormatInt(c.SnapshotOpsThreshold, 10))
		addField("Snapshot Keep Count", strconv.Itoa(c.SnapshotKeepCount))
	}

	if c.MetricsEndpoint != "" {
		addSection("Metrics")
		addField("Endpoint", c.MetricsEndpoint)
	}

	return sb.String()
}

// Validate rejects configurations the server cannot start with.
func (c *ServerConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", c.ShardCount)
	}
	if c.PersistenceEnabled && c.DataDir == "" {
		return fmt.Errorf("data dir must be set when persistence is enabled")
	}
	return nil
}
