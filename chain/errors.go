package chain

import "errors"

var (
	// Wallet errors
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidMnemonic   = errors.New("invalid mnemonic phrase")
	ErrInvalidKeystore   = errors.New("invalid keystore file")
	ErrWrongPassword     = errors.New("wrong keystore password")

	// Transfer errors
	ErrUnsupportedNetwork  = errors.New("unsupported network")
	ErrPayerMismatch       = errors.New("transfer source is not the signer address")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrNotConfirmed        = errors.New("transaction not confirmed")
)
