// Package keys implements the public key cryptography used to sign and verify
// pulse transactions.
//
// Wallets own an ECDSA key-pair on the secp256k1 curve. The uncompressed public
// key travels with every transaction so that any node can verify the signature
// without a key directory, and the wallet address is derived from it (see
// Address). A transaction whose sender is not the address of its public key is
// therefore rejected even when the signature itself is valid.
package keys
