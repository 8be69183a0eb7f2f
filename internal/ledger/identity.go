package ledger

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingKey = errors.New("ledger: signing key not configured")
	ErrInvalidKey = errors.New("ledger: signing key is not a valid secp256k1 private key")
)

// Identity is the account that signs anchor transactions. The private key
// never leaves this type: formatting and JSON show only the address.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// LoadIdentity parses a hex-encoded private key, with or without 0x prefix.
// Parse errors never echo the input.
func LoadIdentity(hexKey string) (*Identity, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the checksummed account address.
func (i *Identity) Address() string {
	return i.address.Hex()
}

func (i *Identity) String() string {
	return "ledger-identity(" + i.address.Hex() + ")"
}

func (i *Identity) GoString() string { return i.String() }

func (i *Identity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.address.Hex() + `"`), nil
}
