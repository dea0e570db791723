package crypto

import (
	"crypto/sha256"
	"math/big"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// HashMod interprets the SHA256 hash of data as a big-endian integer and
// returns it modulo n. The result is identical on every machine, which makes
// it suitable for partitioning an address space.
func HashMod(data []byte, n int) int {
	if n <= 0 {
		return 0
	}
	h := new(big.Int).SetBytes(SHA256(data))
	return int(new(big.Int).Mod(h, big.NewInt(int64(n))).Int64())
}
