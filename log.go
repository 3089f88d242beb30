package torcirc

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/torcirc/build"
	"github.com/lightningnetwork/torcirc/chanmgr"
	"github.com/lightningnetwork/torcirc/circmgr"
	"github.com/lightningnetwork/torcirc/circmgr/path"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/guard"
	"github.com/lightningnetwork/torcirc/netdir"
	"github.com/lightningnetwork/torcirc/persist"
)

// Subsystem is the logging subsystem of the client facade.
const Subsystem = "TRCL"

// log is the logger of the client facade. It is replaced by SetupLoggers.
var log = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, shutdown func()) {
	// Define a fresh logger for the facade itself, replacing the disabled
	// default.
	log = root.GenSubLogger(Subsystem, shutdown)

	AddSubLogger(root, circmgr.Subsystem, shutdown, circmgr.UseLogger)
	AddSubLogger(root, timeouts.Subsystem, shutdown, timeouts.UseLogger)
	AddSubLogger(root, path.Subsystem, shutdown, path.UseLogger)
	AddSubLogger(root, chanmgr.Subsystem, shutdown, chanmgr.UseLogger)
	AddSubLogger(root, fallback.Subsystem, shutdown, fallback.UseLogger)
	AddSubLogger(root, guard.Subsystem, shutdown, guard.UseLogger)
	AddSubLogger(root, netdir.Subsystem, shutdown, netdir.UseLogger)
	AddSubLogger(root, persist.Subsystem, shutdown, persist.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	shutdown func(), useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genSubLogger := func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
