// Package config defines the configuration for a Pulse node.
//
// Regardless of how Pulse is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these
// configuration options, Pulse relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key // a plain text file containing the raw private key of the node's wallet (cf. pulse keygen).
//  gossip_key // (optional if --gossip-key is set) the base64 key shared by every node to seal gossip.
//  peers.json // (optional) a JSON list of peer URLs to bootstrap from. It is rewritten on shutdown.
//  pulse.toml // (optional) configuration file read by the pulse command.
package config
