// Package config centralizes the coordinator's configuration surface
// (spec.md §6.2) as a plain value passed to the Supervisor at
// construction, rather than a process-wide singleton.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// RetryLimits holds the per-routing-key retry cap (spec.md §4.2 step 4).
type RetryLimits struct {
	Fragment int
	QC       int
	Optimize int
}

// Config is the full set of options a Supervisor needs to launch.
type Config struct {
	BindAddr string
	DataDir  string
	QueueURL string // "embedded" or a network backend connection string

	NFragmentWorkers int
	NQCWorkers       int
	NOptimizeWorkers int

	QCCoreBudget int    // 0 = auto (all CPUs)
	QCMaxMemGiB  int    // 0 = best-effort
	CoreBudget   int    // fragment/optimize workers, default 1

	LeaseTTL          time.Duration
	LeaseHeartbeat    time.Duration
	RetryLimits       RetryLimits
	ShutdownGrace     time.Duration
	KeepIntermediate  bool

	// FragmenterCmd/QCCmd/OptimizerCmd name the external binary each
	// Worker Pool's SubprocessExecutor shells out to (spec.md §1's
	// "externally pluggable" executors; concrete chemistry is out of
	// scope for this module).
	FragmenterCmd string
	QCCmd         string
	OptimizerCmd  string

	LogLevel string
	LogJSON  bool
}

// Default returns the configuration defaults from spec.md §6.2.
func Default() Config {
	return Config{
		BindAddr:         "127.0.0.1:15323",
		DataDir:          "./bespoke-state",
		QueueURL:         "embedded",
		NFragmentWorkers: 1,
		NQCWorkers:       1,
		NOptimizeWorkers: 1,
		QCCoreBudget:     0,
		CoreBudget:       1,
		LeaseTTL:         5 * time.Minute,
		LeaseHeartbeat:   5 * time.Minute / 3,
		RetryLimits:      RetryLimits{Fragment: 0, QC: 2, Optimize: 0},
		ShutdownGrace:    30 * time.Second,
		KeepIntermediate: false,
		LogLevel:         "info",
	}
}

// envOr reads an environment variable fallback for a flag default,
// following the same plain os.Getenv style the teacher uses for its
// few environment-derived defaults (e.g. pkg/embedded/lima.go).
func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envOrInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrBool(name string, def bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// RegisterLaunchFlags attaches the `launch` command's flags (spec.md
// §6.4) to cmd, seeded from BESPOKE_* environment variables.
func RegisterLaunchFlags(cmd *cobra.Command) {
	d := Default()
	cmd.Flags().String("directory", envOr("BESPOKE_DATA_DIR", d.DataDir), "Result Store directory path")
	cmd.Flags().Int("n-fragmenter-workers", envOrInt("BESPOKE_N_FRAGMENTER_WORKERS", d.NFragmentWorkers), "number of fragment workers")
	cmd.Flags().Int("n-optimizer-workers", envOrInt("BESPOKE_N_OPTIMIZER_WORKERS", d.NOptimizeWorkers), "number of optimizer workers")
	cmd.Flags().Int("n-qc-compute-workers", envOrInt("BESPOKE_N_QC_WORKERS", d.NQCWorkers), "number of QC workers")
	cmd.Flags().Int("qc-compute-n-cores", envOrInt("BESPOKE_QC_N_CORES", d.QCCoreBudget), "per-QC-worker core budget (0 = all CPUs)")
	cmd.Flags().Int("qc-compute-max-mem", envOrInt("BESPOKE_QC_MAX_MEM_GIB", d.QCMaxMemGiB), "per-QC-worker memory budget, GiB per core (0 = best-effort)")
	cmd.Flags().String("bind", envOr("BESPOKE_BIND", d.BindAddr), "bind address and port for the HTTP API")
	cmd.Flags().String("queue-url", envOr("BESPOKE_QUEUE_URL", d.QueueURL), "Task Queue backend URL")
	cmd.Flags().Duration("lease-ttl", d.LeaseTTL, "cache lease TTL")
	cmd.Flags().Duration("shutdown-grace", d.ShutdownGrace, "graceful shutdown grace period")
	cmd.Flags().Bool("keep-intermediate", envOrBool("BESPOKE_KEEP_INTERMEDIATE", d.KeepIntermediate), "keep intermediate working files")
	cmd.Flags().Int("retry-fragment", d.RetryLimits.Fragment, "task retry limit for the fragment routing key")
	cmd.Flags().Int("retry-qc", d.RetryLimits.QC, "task retry limit for the qc routing key")
	cmd.Flags().Int("retry-optimize", d.RetryLimits.Optimize, "task retry limit for the optimize routing key")
	cmd.Flags().String("fragmenter-cmd", envOr("BESPOKE_FRAGMENTER_CMD", d.FragmenterCmd), "external fragmenter binary")
	cmd.Flags().String("qc-cmd", envOr("BESPOKE_QC_CMD", d.QCCmd), "external QC engine binary")
	cmd.Flags().String("optimizer-cmd", envOr("BESPOKE_OPTIMIZER_CMD", d.OptimizerCmd), "external optimizer binary")
}

// FromFlags reads a Config back out of cmd's flags.
func FromFlags(cmd *cobra.Command) (Config, error) {
	cfg := Default()
	var err error

	cfg.DataDir, err = cmd.Flags().GetString("directory")
	if err != nil {
		return cfg, err
	}
	if cfg.NFragmentWorkers, err = cmd.Flags().GetInt("n-fragmenter-workers"); err != nil {
		return cfg, err
	}
	if cfg.NOptimizeWorkers, err = cmd.Flags().GetInt("n-optimizer-workers"); err != nil {
		return cfg, err
	}
	if cfg.NQCWorkers, err = cmd.Flags().GetInt("n-qc-compute-workers"); err != nil {
		return cfg, err
	}
	if cfg.QCCoreBudget, err = cmd.Flags().GetInt("qc-compute-n-cores"); err != nil {
		return cfg, err
	}
	if cfg.QCMaxMemGiB, err = cmd.Flags().GetInt("qc-compute-max-mem"); err != nil {
		return cfg, err
	}
	if cfg.BindAddr, err = cmd.Flags().GetString("bind"); err != nil {
		return cfg, err
	}
	if cfg.QueueURL, err = cmd.Flags().GetString("queue-url"); err != nil {
		return cfg, err
	}
	if cfg.LeaseTTL, err = cmd.Flags().GetDuration("lease-ttl"); err != nil {
		return cfg, err
	}
	cfg.LeaseHeartbeat = cfg.LeaseTTL / 3
	if cfg.ShutdownGrace, err = cmd.Flags().GetDuration("shutdown-grace"); err != nil {
		return cfg, err
	}
	if cfg.KeepIntermediate, err = cmd.Flags().GetBool("keep-intermediate"); err != nil {
		return cfg, err
	}
	if cfg.RetryLimits.Fragment, err = cmd.Flags().GetInt("retry-fragment"); err != nil {
		return cfg, err
	}
	if cfg.RetryLimits.QC, err = cmd.Flags().GetInt("retry-qc"); err != nil {
		return cfg, err
	}
	if cfg.RetryLimits.Optimize, err = cmd.Flags().GetInt("retry-optimize"); err != nil {
		return cfg, err
	}
	if cfg.FragmenterCmd, err = cmd.Flags().GetString("fragmenter-cmd"); err != nil {
		return cfg, err
	}
	if cfg.QCCmd, err = cmd.Flags().GetString("qc-cmd"); err != nil {
		return cfg, err
	}
	if cfg.OptimizerCmd, err = cmd.Flags().GetString("optimizer-cmd"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RetryLimit returns the configured retry cap for a routing key name.
func (c Config) RetryLimit(routingKey string) int {
	switch routingKey {
	case "fragment":
		return c.RetryLimits.Fragment
	case "qc":
		return c.RetryLimits.QC
	case "optimize":
		return c.RetryLimits.Optimize
	}
	return 0
}
