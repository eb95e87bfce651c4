package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// DefaultDerivationPath is the first Ethereum account of a BIP-44 wallet
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// Signer signs payer transactions
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// WalletSource records how a wallet key was loaded
type WalletSource string

const (
	SourcePrivateKey WalletSource = "private_key"
	SourceMnemonic   WalletSource = "mnemonic"
	SourceKeystore   WalletSource = "keystore"
)

// WalletSigner holds the payer key in memory
type WalletSigner struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	source WalletSource
}

func newWalletSigner(key *ecdsa.PrivateKey, source WalletSource) *WalletSigner {
	return &WalletSigner{key: key, from: crypto.PubkeyToAddress(key.PublicKey), source: source}
}

// FromPrivateKey loads a hex private key, with or without the 0x prefix
func FromPrivateKey(hexKey string) (*WalletSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newWalletSigner(key, SourcePrivateKey), nil
}

// FromMnemonic derives the key at path from a BIP-39 phrase. An empty path
// selects DefaultDerivationPath
func FromMnemonic(phrase, path string) (*WalletSigner, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	if path == "" {
		path = DefaultDerivationPath
	}
	parsed, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: derivation path %q: %v", ErrInvalidMnemonic, path, err)
	}

	key, err := deriveKey(bip39.NewSeed(phrase, ""), parsed)
	if err != nil {
		return nil, err
	}
	return newWalletSigner(key, SourceMnemonic), nil
}

// deriveKey walks path down from the BIP-32 master key of seed
func deriveKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	node, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for depth, index := range path {
		if node, err = node.NewChildKey(index); err != nil {
			return nil, fmt.Errorf("child key at depth %d: %w", depth+1, err)
		}
	}
	return crypto.ToECDSA(node.Key)
}

// FromKeystore decrypts a Web3 Secret Storage file
func FromKeystore(keyJSON []byte, password string) (*WalletSigner, error) {
	decrypted, err := keystore.DecryptKey(keyJSON, password)
	switch {
	case errors.Is(err, keystore.ErrDecrypt):
		return nil, ErrWrongPassword
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}
	return newWalletSigner(decrypted.PrivateKey, SourceKeystore), nil
}

func (w *WalletSigner) Address() common.Address { return w.from }

// Source reports how the key was loaded
func (w *WalletSigner) Source() WalletSource { return w.source }

// SignTx signs tx with the latest signer for chainID
func (w *WalletSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("chain id is required to sign")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

// WalletConfig selects one way of loading the payer wallet
type WalletConfig struct {
	PrivateKey       string
	Mnemonic         string
	DerivationPath   string
	KeystoreJSON     []byte
	KeystorePassword string
}

// NewSigner loads the wallet described by config. A private key wins over a
// mnemonic, and a mnemonic wins over a keystore
func NewSigner(config WalletConfig) (*WalletSigner, error) {
	switch {
	case config.PrivateKey != "":
		return FromPrivateKey(config.PrivateKey)
	case config.Mnemonic != "":
		return FromMnemonic(config.Mnemonic, config.DerivationPath)
	case len(config.KeystoreJSON) > 0:
		return FromKeystore(config.KeystoreJSON, config.KeystorePassword)
	default:
		return nil, errors.New("no wallet configured: set a private key, mnemonic or keystore")
	}
}
