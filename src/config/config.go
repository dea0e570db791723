package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/hgnetwork/pulse/src/common"
	"github.com/hgnetwork/pulse/src/consensus"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/hgnetwork/pulse/src/peers"
	"github.com/hgnetwork/pulse/src/shard"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the wallet's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultGossipKeyfile is the default name of the file containing the
	// shared key used to encrypt gossip.
	DefaultGossipKeyfile = "gossip_key"

	// DefaultDatabaseFile is the default name of the folder containing the
	// shard databases
	DefaultDatabaseFile = "pulse_db"
)

// Store types.
const (
	StoreInmem   = "inmem"
	StoreBadger  = "badger"
	StoreLevelDB = "leveldb"
)

// Default configuration values.
const (
	DefaultLogLevel              = "debug"
	DefaultBindAddr              = "127.0.0.1:1337"
	DefaultServiceAddr           = "127.0.0.1:8000"
	DefaultNoService             = false
	DefaultStore                 = StoreInmem
	DefaultNumShards             = shard.DefaultNumShards
	DefaultConfirmationThreshold = ledger.DefaultConfirmationThreshold
	DefaultBalance               = ledger.DefaultBalance
	DefaultConsensusRatio        = consensus.DefaultConsensusRatio
	DefaultGossipFanout          = consensus.DefaultGossipFanout
	DefaultGossipInterval        = consensus.DefaultGossipInterval
	DefaultDiscoveryInterval     = consensus.DefaultDiscoveryInterval
	DefaultHeartbeatInterval     = peers.DefaultHeartbeatInterval
	DefaultRateLimit             = consensus.DefaultRateLimit
	DefaultDisableSampling       = false
	DefaultClockSkew             = consensus.DefaultClockSkew
	DefaultTimeout               = net.DefaultTimeout
	DefaultMaxPingFailures       = peers.DefaultMaxPingFailures
	DefaultPartitionTimeout      = peers.DefaultPartitionTimeout
)

// Config contains all the configuration properties of a Pulse node.
type Config struct {
	// DataDir is the top-level directory containing Pulse configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node serves its peers.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the URL other nodes use to reach this one. It defaults
	// to http://BindAddr.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the read-only HTTP API.
	ServiceAddr string `mapstructure:"service-listen"`

	// Bootstrap lists the URLs of the peers to join, on top of the ones in
	// peers.json.
	Bootstrap []string `mapstructure:"bootstrap"`

	// GossipKey is the base64 shared key sealing gossip payloads. Every node
	// of the network must use the same one. If empty, it is read from the
	// gossip_key file in DataDir.
	GossipKey string `mapstructure:"gossip-key"`

	// NumShards is the number of ledger partitions. It must be the same on
	// every node.
	NumShards int `mapstructure:"shards"`

	// ConfirmationThreshold is the number of transitive approvers a
	// transaction needs to be confirmed.
	ConfirmationThreshold int `mapstructure:"threshold"`

	// DefaultBalance is the balance of a wallet seen for the first time.
	DefaultBalance int64 `mapstructure:"default-balance"`

	// Store selects the shard storage: inmem, badger or leveldb.
	Store string `mapstructure:"store"`

	// DatabaseDir is the directory containing the shard databases.
	DatabaseDir string `mapstructure:"db"`

	// ConsensusRatio is the share of sampled peers that must approve a
	// transaction.
	ConsensusRatio float64 `mapstructure:"consensus-ratio"`

	// DisableSampling admits transactions on local checks alone.
	DisableSampling bool `mapstructure:"no-sampling"`

	GossipFanout      int           `mapstructure:"fanout"`
	GossipInterval    time.Duration `mapstructure:"gossip-interval"`
	DiscoveryInterval time.Duration `mapstructure:"discovery-interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// RateLimit is the number of gossip payloads accepted per minute.
	RateLimit int `mapstructure:"rate-limit"`

	// ClockSkew is how far in the future a transaction timestamp may be.
	ClockSkew time.Duration `mapstructure:"clock-skew"`

	// Timeout applies to every peer RPC.
	Timeout time.Duration `mapstructure:"timeout"`

	MaxPingFailures  int           `mapstructure:"max-ping-failures"`
	PartitionTimeout time.Duration `mapstructure:"partition-timeout"`

	// Key is the private key of the node's wallet.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:               DefaultDataDir(),
		LogLevel:              DefaultLogLevel,
		BindAddr:              DefaultBindAddr,
		ServiceAddr:           DefaultServiceAddr,
		NoService:             DefaultNoService,
		NumShards:             DefaultNumShards,
		ConfirmationThreshold: DefaultConfirmationThreshold,
		DefaultBalance:        DefaultBalance,
		Store:                 DefaultStore,
		DatabaseDir:           DefaultDatabaseDir(),
		ConsensusRatio:        DefaultConsensusRatio,
		DisableSampling:       DefaultDisableSampling,
		GossipFanout:          DefaultGossipFanout,
		GossipInterval:        DefaultGossipInterval,
		DiscoveryInterval:     DefaultDiscoveryInterval,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		RateLimit:             DefaultRateLimit,
		ClockSkew:             DefaultClockSkew,
		Timeout:               DefaultTimeout,
		MaxPingFailures:       DefaultMaxPingFailures,
		PartitionTimeout:      DefaultPartitionTimeout,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Pulse directory, and updates the database
// directory if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultDatabaseFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// GossipKeyfile returns the full path of the file containing the gossip key.
func (c *Config) GossipKeyfile() string {
	return filepath.Join(c.DataDir, DefaultGossipKeyfile)
}

// ShardDir returns the database directory of a shard.
func (c *Config) ShardDir(shardID int) string {
	return filepath.Join(c.DatabaseDir, fmt.Sprintf("shard-%d", shardID))
}

// NodeURL returns the URL this node advertises to its peers.
func (c *Config) NodeURL() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return "http://" + c.BindAddr
}

// Validate checks the values that would otherwise fail deep inside the node.
func (c *Config) Validate() error {
	if c.NumShards <= 0 {
		return fmt.Errorf("shards must be positive, not %d", c.NumShards)
	}
	if c.ConsensusRatio <= 0 || c.ConsensusRatio > 1 {
		return fmt.Errorf("consensus-ratio must be in (0, 1], not %v", c.ConsensusRatio)
	}
	switch c.Store {
	case StoreInmem, StoreBadger, StoreLevelDB:
	default:
		return fmt.Errorf("unknown store %q, use inmem, badger or leveldb", c.Store)
	}
	if _, err := peers.ValidateURL(c.NodeURL()); err != nil {
		return err
	}
	return nil
}

// LedgerOptions returns the options of every shard ledger.
func (c *Config) LedgerOptions() ledger.Options {
	opts := ledger.DefaultOptions()
	opts.ConfirmationThreshold = c.ConfirmationThreshold
	opts.DefaultBalance = c.DefaultBalance
	return opts
}

// ConsensusConfig returns the configuration of the consensus mechanism.
func (c *Config) ConsensusConfig() consensus.Config {
	conf := consensus.DefaultConfig()
	conf.ConsensusRatio = c.ConsensusRatio
	conf.DisableSampling = c.DisableSampling
	conf.GossipFanout = c.GossipFanout
	conf.GossipInterval = c.GossipInterval
	conf.DiscoveryInterval = c.DiscoveryInterval
	conf.RateLimit = c.RateLimit
	conf.ClockSkew = c.ClockSkew
	return conf
}

// PeersConfig returns the configuration of the peer network.
func (c *Config) PeersConfig() peers.Config {
	return peers.Config{
		MaxPingFailures:   c.MaxPingFailures,
		HeartbeatInterval: c.HeartbeatInterval,
		PartitionTimeout:  c.PartitionTimeout,
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "pulse". When
// LogFile is set, entries are also written there.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				c.LogFile,
				&logrus.TextFormatter{DisableColors: true},
			))
		}
	}
	return c.logger.WithField("prefix", "pulse")
}

// DefaultDatabaseDir returns the default path for the shard databases.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultDatabaseFile)
}

// DefaultDataDir return the default directory name for top-level Pulse config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Pulse")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Pulse")
		} else {
			return filepath.Join(home, ".pulse")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
