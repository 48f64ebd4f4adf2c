package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// SettlementPrefix marks participant settlement addresses.
	SettlementPrefix AddressPrefix = "p2p"
	// VaultPrefix marks module-owned vault addresses.
	VaultPrefix AddressPrefix = "vault"
)

// Address represents a 20-byte settlement address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long (got %d)", len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

// MustNewAddress is NewAddress for callers holding a fixed-size array.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// Array returns the address as a fixed-size array.
func (a Address) Array() [20]byte {
	var out [20]byte
	copy(out[:], a.bytes)
	return out
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAddress accepts either a bech32 address or a 0x-prefixed / bare hex
// string and returns the raw 20 bytes.
func ParseAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	if strings.Contains(trimmed, "1") && !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		if addr, err := DecodeAddress(trimmed); err == nil {
			return addr.Array(), nil
		}
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("invalid address %q: expected 20 bytes, got %d", value, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// FormatAddress renders raw address bytes with the settlement prefix.
func FormatAddress(addr [20]byte) string {
	return MustNewAddress(SettlementPrefix, addr[:]).String()
}

// ModuleAddress derives the deterministic vault address owned by a ledger
// module.
func ModuleAddress(name string) [20]byte {
	digest := ethcrypto.Keccak256([]byte("p2pescrow/module/" + strings.TrimSpace(name)))
	var out [20]byte
	copy(out[:], digest[12:])
	return out
}

// FormatVaultAddress renders a module address with the vault prefix.
func FormatVaultAddress(addr [20]byte) string {
	return MustNewAddress(VaultPrefix, addr[:]).String()
}
