package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

var (
	tradeDomain     = []byte("p2pescrow/trade")
	disputeDomain   = []byte("p2pescrow/dispute")
	selectionDomain = []byte("p2pescrow/panel")
	trustDomain     = []byte("p2pescrow/trust")
)

// TradeID derives the ledger trade identifier from the off-chain order id. The
// one-way hash keeps the two namespaces disjoint while letting either side
// recompute the link.
func TradeID(orderRef string) [32]byte {
	return ethcrypto.Keccak256Hash(tradeDomain, []byte(strings.TrimSpace(orderRef)))
}

// DisputeID derives the dispute identifier for a trade. A trade carries at most
// one arbitration episode, so the id depends only on the trade.
func DisputeID(tradeID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(disputeDomain, tradeID[:])
}

// VoteCommitment is the hash a resolver submits during the commit phase. The
// resolver address is bound into the digest so a commitment cannot be copied
// by another panel member.
func VoteCommitment(resolver [20]byte, voteForSeller bool, salt [32]byte) [32]byte {
	vote := []byte{0}
	if voteForSeller {
		vote[0] = 1
	}
	return ethcrypto.Keccak256Hash(resolver[:], vote, salt[:])
}

// SelectionSeed mixes the ledger head hash with the trade id and open time.
func SelectionSeed(head [32]byte, tradeID [32]byte, now int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now))
	return ethcrypto.Keccak256Hash(selectionDomain, head[:], tradeID[:], ts[:])
}

// DrawDigest returns the keccak digest used for the n-th draw of a seeded
// sampling round.
func DrawDigest(seed [32]byte, round uint64) [32]byte {
	var r [8]byte
	binary.BigEndian.PutUint64(r[:], round)
	return ethcrypto.Keccak256Hash(seed[:], r[:])
}

// TrustEventID keys a trust adjustment caused by subject (a trade or dispute)
// so replays of the same settlement apply it once.
func TrustEventID(subject [32]byte, participant [20]byte, kind string) [32]byte {
	return ethcrypto.Keccak256Hash(trustDomain, subject[:], participant[:], []byte(kind))
}

// NextHead advances the ledger hash chain with the digest of a committed
// operation.
func NextHead(prev [32]byte, sequence uint64, payload []byte) [32]byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	return ethcrypto.Keccak256Hash(prev[:], seq[:], payload)
}

// EventFingerprint returns a stable idempotency key for an event type and its
// attributes. Attribute order does not affect the result.
func EventFingerprint(eventType string, attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(eventType))
	for _, k := range keys {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(attrs[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseHash decodes a 32-byte hex identifier with an optional 0x prefix.
func ParseHash(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(trimmed) != 64 {
		return out, fmt.Errorf("hash must be 32 bytes (got %d hex chars)", len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("decode hash: %w", err)
	}
	copy(out[:], raw)
	return out, nil
}

// FormatHash renders a 32-byte identifier as lowercase hex.
func FormatHash(h [32]byte) string { return hex.EncodeToString(h[:]) }
