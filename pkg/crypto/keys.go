package crypto

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// keccak256 hashes data with legacy (pre-NIST) Keccak, as Ethereum does.
func keccak256(data []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// MarketKey identifies a price-oracle market from its label,
// e.g. "TUNA|A|ILOILO" (commodity|grade|region).
func MarketKey(label string) common.Hash {
	return keccak256([]byte(label))
}

// RoleKey identifies a credential role from its name, e.g. "COOP_MEMBER".
func RoleKey(name string) common.Hash {
	return keccak256([]byte(name))
}

// ParseKey accepts either a 0x-prefixed 32-byte hex key or a label to hash.
func ParseKey(s string) common.Hash {
	if strings.HasPrefix(s, "0x") && len(s) == 66 {
		if b, err := hexutil.Decode(s); err == nil {
			return common.BytesToHash(b)
		}
	}
	return keccak256([]byte(s))
}
