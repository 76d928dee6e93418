// Package config resolves the daemon's bootstrap configuration: four
// environment variables (NODE_NAME, STATE_DIR, LOG_DIR, BUS_URL), plus
// flag-overridable operational tunables, using gopkg.in/alecthomas/kingpin.v2
// for the daemon's own flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nimbusio/handoff/pkg/handoff/types"
)

// ExitCode enumerates the daemon's process exit codes.
type ExitCode int

const (
	ExitOK ExitCode = iota
	ExitConfigError
	ExitStorageError
	ExitBusError
)

// Config is the fully resolved set of knobs a Server needs to run.
type Config struct {
	NodeName types.PeerName
	StateDir string
	LogDir   string
	BusURL   string

	MaxInFlight  int
	AckTimeout   time.Duration
	DeadAfter    time.Duration
	TickInterval time.Duration
}

// Parse resolves Config from the environment first, then lets args
// (normally os.Args[1:]) override via flags. Returns an error when a
// flag fails to parse or a required value (node name, state dir) is
// missing; the error carries no ExitCode, so the caller picks one.
func Parse(args []string) (Config, error) {
	cfg := Config{
		NodeName: types.PeerName(os.Getenv("NODE_NAME")),
		StateDir: os.Getenv("STATE_DIR"),
		LogDir:   os.Getenv("LOG_DIR"),
		BusURL:   os.Getenv("BUS_URL"),

		MaxInFlight:  4,
		AckTimeout:   30 * time.Second,
		DeadAfter:    120 * time.Second,
		TickInterval: 5 * time.Second,
	}

	app := kingpin.New("handoffd", "hinted-handoff subsystem peer process")
	app.Flag("node-name", "cluster-wide peer identity (overrides NODE_NAME)").StringVar((*string)(&cfg.NodeName))
	app.Flag("state-dir", "directory for the durable hint queue (overrides STATE_DIR)").StringVar(&cfg.StateDir)
	app.Flag("log-dir", "directory for log files (overrides LOG_DIR); empty means stderr").StringVar(&cfg.LogDir)
	app.Flag("bus-url", "message bus connection string (overrides BUS_URL)").StringVar(&cfg.BusURL)
	app.Flag("max-in-flight", "maximum concurrent unacknowledged sends per destination peer").Default("4").IntVar(&cfg.MaxInFlight)
	app.Flag("ack-timeout", "how long to wait for an ArchiveSegmentReply before treating the send as failed").Default("30s").DurationVar(&cfg.AckTimeout)
	app.Flag("dead-after", "how long without a ProcessStatus before a peer is declared down").Default("120s").DurationVar(&cfg.DeadAfter)
	app.Flag("tick-interval", "dispatcher tick cadence driving the forwarder sweep").Default("5s").DurationVar(&cfg.TickInterval)

	if _, err := app.Parse(args); err != nil {
		return cfg, fmt.Errorf("handoff config: %w", err)
	}

	if cfg.NodeName == "" {
		return cfg, fmt.Errorf("handoff config: NODE_NAME (or --node-name) is required")
	}
	if cfg.StateDir == "" {
		return cfg, fmt.Errorf("handoff config: STATE_DIR (or --state-dir) is required")
	}
	return cfg, nil
}
