package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hgnetwork/pulse/src/pulse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a Pulse node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runPulse,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runPulse(cmd *cobra.Command, args []string) error {
	engine := pulse.NewPulse(&_config.Pulse)

	if err := engine.Init(); err != nil {
		_config.Pulse.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		_config.Pulse.Logger().Info("Received an interrupt, stopping node")
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.Pulse.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Pulse.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.Pulse.LogFile, "Also write logs to this file")

	// Network
	cmd.Flags().StringP("listen", "l", _config.Pulse.BindAddr, "Listen IP:Port for pulse node")
	cmd.Flags().StringP("advertise", "a", _config.Pulse.AdvertiseAddr, "URL advertised to peers (default http://<listen>)")
	cmd.Flags().StringSliceP("bootstrap", "b", _config.Pulse.Bootstrap, "Peer URLs to join, on top of peers.json")
	cmd.Flags().String("gossip-key", _config.Pulse.GossipKey, "Base64 key shared by every node (default read from <datadir>/gossip_key)")
	cmd.Flags().DurationP("timeout", "t", _config.Pulse.Timeout, "Peer RPC timeout")
	cmd.Flags().Int("max-ping-failures", _config.Pulse.MaxPingFailures, "Failed pings before a peer is dropped")
	cmd.Flags().Duration("heartbeat", _config.Pulse.HeartbeatInterval, "Time between peer health checks")
	cmd.Flags().Duration("partition-timeout", _config.Pulse.PartitionTimeout, "Time without contact before reseeding from bootstrap peers")

	// Service
	cmd.Flags().Bool("no-service", _config.Pulse.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.Pulse.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().String("store", _config.Pulse.Store, "inmem, badger or leveldb")
	cmd.Flags().String("db", _config.Pulse.DatabaseDir, "Dabatabase directory")

	// Ledger
	cmd.Flags().Int("shards", _config.Pulse.NumShards, "Number of shards, identical on every node")
	cmd.Flags().Int("threshold", _config.Pulse.ConfirmationThreshold, "Approvers needed to confirm a transaction")
	cmd.Flags().Int64("default-balance", _config.Pulse.DefaultBalance, "Balance of a new wallet")

	// Consensus
	cmd.Flags().Float64("consensus-ratio", _config.Pulse.ConsensusRatio, "Share of sampled peers that must approve a transaction")
	cmd.Flags().Bool("no-sampling", _config.Pulse.DisableSampling, "Admit transactions on local checks only")
	cmd.Flags().Int("fanout", _config.Pulse.GossipFanout, "Peers each pending transaction is gossiped to")
	cmd.Flags().Duration("gossip-interval", _config.Pulse.GossipInterval, "Time between gossip rounds")
	cmd.Flags().Duration("discovery-interval", _config.Pulse.DiscoveryInterval, "Time between peer discovery rounds")
	cmd.Flags().Int("rate-limit", _config.Pulse.RateLimit, "Gossip payloads accepted per minute")
	cmd.Flags().Duration("clock-skew", _config.Pulse.ClockSkew, "Tolerance on future transaction timestamps")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Pulse.SetDataDir(_config.Pulse.DataDir)

	logFields := logrus.Fields{
		"pulse.DataDir":               _config.Pulse.DataDir,
		"pulse.BindAddr":              _config.Pulse.BindAddr,
		"pulse.AdvertiseAddr":         _config.Pulse.AdvertiseAddr,
		"pulse.Bootstrap":             _config.Pulse.Bootstrap,
		"pulse.ServiceAddr":           _config.Pulse.ServiceAddr,
		"pulse.NoService":             _config.Pulse.NoService,
		"pulse.Store":                 _config.Pulse.Store,
		"pulse.LogLevel":              _config.Pulse.LogLevel,
		"pulse.NumShards":             _config.Pulse.NumShards,
		"pulse.ConfirmationThreshold": _config.Pulse.ConfirmationThreshold,
		"pulse.ConsensusRatio":        _config.Pulse.ConsensusRatio,
		"pulse.DisableSampling":       _config.Pulse.DisableSampling,
		"pulse.GossipInterval":        _config.Pulse.GossipInterval,
		"pulse.DiscoveryInterval":     _config.Pulse.DiscoveryInterval,
		"pulse.RateLimit":             _config.Pulse.RateLimit,
		"pulse.Timeout":               _config.Pulse.Timeout,
	}

	if _config.Pulse.Store != "inmem" {
		logFields["pulse.DatabaseDir"] = _config.Pulse.DatabaseDir
	}

	_config.Pulse.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/pulse.toml (.json, .yaml also work)
	viper.SetConfigName("pulse")               // name of config file (without extension)
	viper.AddConfigPath(_config.Pulse.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Pulse.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Pulse.Logger().Debugf("No config file found in: %s", _config.Pulse.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
