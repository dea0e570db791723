package config

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetDataDir(t *testing.T) {
	conf := NewTestConfig(t, logrus.DebugLevel)

	conf.SetDataDir("/tmp/pulse")

	if conf.DatabaseDir != filepath.Join("/tmp/pulse", DefaultDatabaseFile) {
		t.Fatalf("database dir should follow the data dir, not %s", conf.DatabaseDir)
	}
	if conf.ShardDir(3) != filepath.Join("/tmp/pulse", DefaultDatabaseFile, "shard-3") {
		t.Fatalf("wrong shard dir %s", conf.ShardDir(3))
	}
	if conf.Keyfile() != filepath.Join("/tmp/pulse", DefaultKeyfile) {
		t.Fatalf("wrong keyfile %s", conf.Keyfile())
	}

	conf.DatabaseDir = "/var/db"
	conf.SetDataDir("/tmp/other")
	if conf.DatabaseDir != "/var/db" {
		t.Fatalf("explicit database dir should be kept")
	}
}

func TestNodeURL(t *testing.T) {
	conf := NewDefaultConfig()

	if conf.NodeURL() != "http://"+DefaultBindAddr {
		t.Fatalf("node url should default to the bind address, not %s", conf.NodeURL())
	}

	conf.AdvertiseAddr = "https://pulse.example.com"
	if conf.NodeURL() != "https://pulse.example.com" {
		t.Fatalf("node url should be the advertised address, not %s", conf.NodeURL())
	}
}

func TestValidate(t *testing.T) {
	conf := NewDefaultConfig()
	if err := conf.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	conf.Store = "postgres"
	if err := conf.Validate(); err == nil {
		t.Fatalf("unknown store should be rejected")
	}

	conf = NewDefaultConfig()
	conf.NumShards = 0
	if err := conf.Validate(); err == nil {
		t.Fatalf("zero shards should be rejected")
	}

	conf = NewDefaultConfig()
	conf.ConsensusRatio = 1.5
	if err := conf.Validate(); err == nil {
		t.Fatalf("ratio above 1 should be rejected")
	}

	conf = NewDefaultConfig()
	conf.AdvertiseAddr = "tcp://10.0.0.1:1337"
	if err := conf.Validate(); err == nil {
		t.Fatalf("non-http advertise address should be rejected")
	}
}

func TestDerivedConfigs(t *testing.T) {
	conf := NewDefaultConfig()
	conf.ConfirmationThreshold = 2
	conf.DefaultBalance = 50
	conf.RateLimit = 10
	conf.DisableSampling = true
	conf.MaxPingFailures = 4

	if opts := conf.LedgerOptions(); opts.ConfirmationThreshold != 2 || opts.DefaultBalance != 50 {
		t.Fatalf("ledger options not derived: %+v", opts)
	}
	if cc := conf.ConsensusConfig(); cc.RateLimit != 10 || !cc.DisableSampling || cc.ClockSkew != DefaultClockSkew {
		t.Fatalf("consensus config not derived: %+v", cc)
	}
	if pc := conf.PeersConfig(); pc.MaxPingFailures != 4 || pc.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("peers config not derived: %+v", pc)
	}
}
