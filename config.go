package torcirc

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/torcirc/build"
	"github.com/lightningnetwork/torcirc/fallback"
	"github.com/lightningnetwork/torcirc/torcfg"
)

const (
	defaultConfigFilename = "torcirc.conf"
	defaultLogFilename    = "torcirc.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
)

var (
	// DefaultDataDir is the default directory where the client keeps its
	// configuration, state and logs.
	DefaultDataDir = btcutil.AppDataDir("torcirc", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultDataDir, defaultConfigFilename)

	defaultStateDir = filepath.Join(
		DefaultDataDir, torcfg.DefaultStateDirname,
	)
)

// Config holds the configuration of a circuit client.
//
//nolint:lll
type Config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to keep state and logs in"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	FallbackDirs []string `long:"fallbackdir" description:"A directory relay to bootstrap from, as <ed25519 hex>:<rsa hex>@<ip:port>[,<ip:port>...]; may be given more than once"`

	Channels   *torcfg.Channels      `group:"channels" namespace:"channels"`
	Circuits   *torcfg.CircuitTiming `group:"circuits" namespace:"circuits"`
	Path       *torcfg.Path          `group:"path" namespace:"path"`
	Preemptive *torcfg.Preemptive    `group:"preemptive" namespace:"preemptive"`
	Storage    *torcfg.Storage       `group:"storage" namespace:"storage"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	// fallbacks are the parsed FallbackDirs.
	fallbacks []*fallback.Dir
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile: DefaultConfigFile,
		DataDir:    DefaultDataDir,
		DebugLevel: defaultLogLevel,
		Channels:   torcfg.DefaultChannels(),
		Circuits:   torcfg.DefaultCircuitTiming(),
		Path:       torcfg.DefaultPath(),
		Preemptive: torcfg.DefaultPreemptive(),
		Storage:    torcfg.DefaultStorage(defaultStateDir),
		Logging:    build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// given command line arguments.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, but the
	// data directory has, then we assume the config file lives in it.
	dataDir := CleanAndExpandPath(preCfg.DataDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if dataDir != DefaultDataDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(dataDir, defaultConfigFilename)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about a missing config file only after all other configuration
	// is done, so that it isn't printed for invalid options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration and normalizes its paths.
// The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the data directory is not the default, the state directory moves
	// along with it unless it was set explicitly.
	dataDir := CleanAndExpandPath(cfg.DataDir)
	if dataDir != DefaultDataDir &&
		cfg.Storage.StateDir == defaultStateDir {

		cfg.Storage.StateDir = filepath.Join(
			dataDir, torcfg.DefaultStateDirname,
		)
	}
	cfg.DataDir = dataDir
	cfg.ConfigFile = CleanAndExpandPath(cfg.ConfigFile)
	cfg.Storage.StateDir = CleanAndExpandPath(cfg.Storage.StateDir)

	err := torcfg.Validate(
		cfg.Channels, cfg.Circuits, cfg.Path, cfg.Preemptive,
		cfg.Storage, cfg.Logging,
	)
	if err != nil {
		return nil, err
	}

	cfg.fallbacks = make([]*fallback.Dir, 0, len(cfg.FallbackDirs))
	for _, s := range cfg.FallbackDirs {
		dir, err := fallback.ParseDir(s)
		if err != nil {
			return nil, err
		}
		cfg.fallbacks = append(cfg.fallbacks, dir)
	}

	return &cfg, nil
}

// LogDir returns the directory the log file is written to.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, defaultLogDirname)
}

// Fallbacks returns the parsed fallback directories.
func (c *Config) Fallbacks() []*fallback.Dir {
	return c.fallbacks
}

// InitLogging sets up the console and rotating file loggers described by the
// config, hands them to every subsystem and applies DebugLevel. The returned
// writer must be closed on shutdown.
func (c *Config) InitLogging(shutdown func()) (*build.RotatingLogWriter,
	error) {

	var rotator *build.RotatingLogWriter
	if !c.Logging.File.Disable {
		rotator = build.NewRotatingLogWriter()
		err := rotator.InitLogRotator(
			c.Logging.File,
			filepath.Join(c.LogDir(), defaultLogFilename),
		)
		if err != nil {
			return nil, fmt.Errorf("unable to init log rotator: %w",
				err)
		}
	}

	handlers := build.NewDefaultLogHandlers(c.Logging, os.Stdout, rotator)
	root := build.NewSubLoggerManager(handlers...)
	SetupLoggers(root, shutdown)

	if err := build.ParseAndSetDebugLevels(c.DebugLevel, root); err != nil {
		if rotator != nil {
			_ = rotator.Close()
		}

		return nil, err
	}

	return rotator, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
