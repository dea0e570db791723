package pulse

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/hgnetwork/pulse/src/config"
	"github.com/hgnetwork/pulse/src/consensus"
	"github.com/hgnetwork/pulse/src/crypto"
	"github.com/hgnetwork/pulse/src/crypto/keys"
	"github.com/hgnetwork/pulse/src/ledger"
	"github.com/hgnetwork/pulse/src/net"
	"github.com/hgnetwork/pulse/src/node"
	"github.com/hgnetwork/pulse/src/peers"
	"github.com/hgnetwork/pulse/src/service"
	"github.com/hgnetwork/pulse/src/shard"
	"github.com/hgnetwork/pulse/src/wallet"
	"github.com/sirupsen/logrus"
)

// Pulse is a struct containing the key objects of a Pulse node.
type Pulse struct {
	// Config is the configuration of the Pulse node.
	Config *config.Config

	// Node is the object containing the peer RPC handlers and the background
	// loops.
	Node *node.Node

	// Transport is the peer transport.
	Transport net.Transport

	// Manager holds the shard ledgers.
	Manager *shard.Manager

	// Network tracks the active and known peers.
	Network *peers.Network

	// Mechanism runs admission, gossip and the peer vote.
	Mechanism *consensus.Mechanism

	// Feed publishes confirmed transactions.
	Feed *node.Feed

	// Wallet signs the transactions issued by this node.
	Wallet *wallet.KeyWallet

	// Service is the read-only HTTP API.
	Service *service.Service

	cipher    *crypto.GossipCipher
	peerStore *peers.JSONPeers
	bootstrap []string
	logger    *logrus.Entry
}

// NewPulse is a factory method to produce a Pulse instance.
func NewPulse(c *config.Config) *Pulse {
	engine := &Pulse{
		Config: c,
		logger: c.Logger(),
	}

	return engine
}

// Init initialises the Pulse engine.
func (p *Pulse) Init() error {
	if err := p.Config.Validate(); err != nil {
		return err
	}

	if err := p.initKey(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initKey")
		return err
	}

	if err := p.initGossipKey(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initGossipKey")
		return err
	}

	if err := p.initStore(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initStore")
		return err
	}

	if err := p.initTransport(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initTransport")
		return err
	}

	if err := p.initPeers(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initPeers")
		return err
	}

	if err := p.initNode(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initNode")
		return err
	}

	if err := p.initService(); err != nil {
		p.logger.WithError(err).Error("pulse.go:Init() initService")
		return err
	}

	return nil
}

// Run starts the API service and the node. It blocks until Shutdown is
// called.
func (p *Pulse) Run() {
	if p.Service != nil {
		go p.Service.Serve()
	}

	p.Node.Run(true)
}

// Shutdown stops the node and the service, and saves the known peers to
// peers.json so the next start can bootstrap from them.
func (p *Pulse) Shutdown() {
	if p.Service != nil {
		if err := p.Service.Close(); err != nil {
			p.logger.WithError(err).Debug("Closing service")
		}
	}

	p.Node.Shutdown()

	if err := p.SavePeers(); err != nil {
		p.logger.WithError(err).Warn("Saving peers")
	}
}

// SavePeers writes the known peers to peers.json.
func (p *Pulse) SavePeers() error {
	known := p.Network.KnownPeers()
	if len(known) == 0 {
		return nil
	}
	return p.peerStore.Write(known)
}

func (p *Pulse) initKey() error {
	if p.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(p.Config.Keyfile())

		privKey, created, err := keyfile.ReadOrCreateKey()
		if err != nil {
			p.logger.WithError(err).Error("Cannot read or create private key")
			return err
		}

		if created {
			p.logger.WithField("path", p.Config.Keyfile()).Info("Created a new key")
		}

		p.Config.Key = privKey
	}

	p.Wallet = wallet.NewKeyWallet(p.Config.Key)

	p.logger.WithField("address", p.Wallet.Address()).Debug("Loaded wallet")

	return nil
}

// initGossipKey reads the shared gossip key from the config, then from the
// gossip_key file. A node started without either generates one, which the
// other nodes must then be given.
func (p *Pulse) initGossipKey() error {
	if p.Config.GossipKey == "" {
		path := p.Config.GossipKeyfile()

		data, err := ioutil.ReadFile(path)
		switch {
		case err == nil:
			p.Config.GossipKey = strings.TrimSpace(string(data))
		case os.IsNotExist(err):
			key, err := GenerateGossipKey(path)
			if err != nil {
				return err
			}
			p.logger.WithField("path", path).Warn("Generated a new gossip key. Copy it to every other node")
			p.Config.GossipKey = key
		default:
			return err
		}
	}

	cipher, err := crypto.NewGossipCipher(p.Config.GossipKey)
	if err != nil {
		return err
	}

	p.cipher = cipher

	return nil
}

func (p *Pulse) initStore() error {
	p.Feed = node.NewFeed()

	opts := p.Config.LedgerOptions()
	opts.OnConfirm = p.Feed.Publish

	factory, err := p.storeFactory()
	if err != nil {
		return err
	}

	manager, err := shard.NewManager(p.Config.NumShards, opts, factory, p.logger.WithField("prefix", "shard"))
	if err != nil {
		return err
	}

	p.Manager = manager

	return nil
}

func (p *Pulse) storeFactory() (shard.StoreFactory, error) {
	switch p.Config.Store {
	case config.StoreInmem:
		p.logger.Debug("Using in-mem stores")

		return func(int) (ledger.Store, error) {
			return ledger.NewInmemStore(), nil
		}, nil
	case config.StoreBadger:
		p.logger.WithField("path", p.Config.DatabaseDir).Debug("Using badger stores")

		return func(shardID int) (ledger.Store, error) {
			return ledger.NewBadgerStore(p.Config.ShardDir(shardID), p.logger.WithField("prefix", "badger"))
		}, nil
	case config.StoreLevelDB:
		p.logger.WithField("path", p.Config.DatabaseDir).Debug("Using leveldb stores")

		return func(shardID int) (ledger.Store, error) {
			return ledger.NewLevelDBStore(p.Config.ShardDir(shardID))
		}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", p.Config.Store)
	}
}

func (p *Pulse) initTransport() error {
	transport, err := net.NewHTTPTransport(
		p.Config.BindAddr,
		p.Config.AdvertiseAddr,
		p.Config.Timeout,
		p.logger.WithField("prefix", "transport"),
	)
	if err != nil {
		return err
	}

	p.Transport = transport

	return nil
}

// initPeers merges the peers saved in peers.json with the bootstrap peers of
// the config. Invalid URLs are skipped.
func (p *Pulse) initPeers() error {
	p.peerStore = peers.NewJSONPeers(p.Config.DataDir)

	saved, err := p.peerStore.Peers()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	seen := make(map[string]bool)
	for _, u := range append(saved, p.Config.Bootstrap...) {
		peer, err := peers.ValidateURL(u)
		if err != nil {
			p.logger.WithError(err).Warn("Skipping bootstrap peer")
			continue
		}
		if seen[peer] {
			continue
		}
		seen[peer] = true
		p.bootstrap = append(p.bootstrap, peer)
	}

	p.logger.WithFields(logrus.Fields{
		"peers_file": p.peerStore.Path(),
		"bootstrap":  p.bootstrap,
	}).Debug("Loaded bootstrap peers")

	return nil
}

func (p *Pulse) initNode() error {
	self := p.Transport.AdvertiseAddr()

	p.Network = peers.NewNetwork(
		self,
		p.bootstrap,
		p.Transport,
		p.Config.PeersConfig(),
		p.logger.WithField("prefix", "peers"),
	)

	p.Mechanism = consensus.NewMechanism(
		p.Config.ConsensusConfig(),
		p.Manager,
		p.Network,
		p.Transport,
		p.cipher,
		p.logger.WithField("prefix", "consensus"),
	)

	p.Node = node.NewNode(
		p.Manager,
		p.Network,
		p.Mechanism,
		p.Transport,
		p.Feed,
		p.logger.WithField("prefix", "node"),
	)

	if err := p.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	return nil
}

func (p *Pulse) initService() error {
	if !p.Config.NoService {
		p.Service = service.NewService(p.Config.ServiceAddr, p.Node, p.logger.WithField("prefix", "service"))
	}
	return nil
}

// GenerateGossipKey creates a new gossip key and writes it to path. It fails
// if a file already exists there.
func GenerateGossipKey(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("a gossip key already lives under %s", path)
	}

	key, err := crypto.GenerateGossipKey()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}

	if err := ioutil.WriteFile(path, []byte(key), 0600); err != nil {
		return "", err
	}

	return key, nil
}
