package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	moltpay "github.com/molt-pay/molt-pay-go"
)

const (
	// DefaultGasLimit covers an ERC-20 transfer with headroom
	DefaultGasLimit uint64 = 100000
	// DefaultPollInterval is how often a pending transaction is checked
	DefaultPollInterval = 2 * time.Second
	// DefaultConfirmTimeout bounds the wait for a receipt
	DefaultConfirmTimeout = 3 * time.Minute
)

var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// Backend is the subset of an Ethereum client the transferer needs
// *ethclient.Client satisfies it
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to a JSON-RPC endpoint
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// TransfererConfig configures an ERC20Transferer
type TransfererConfig struct {
	Network        Network
	GasLimit       uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Logger         *zap.Logger
}

// ERC20Transferer settles transfer legs as ERC-20 transfer calls signed by
// the payer wallet. Each idempotency key is submitted at most once per
// process
type ERC20Transferer struct {
	backend Backend
	signer  Signer
	config  TransfererConfig
	logger  *zap.SugaredLogger

	// sendMu serializes nonce allocation and broadcast
	sendMu sync.Mutex

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewERC20Transferer creates a transferer for config.Network
func NewERC20Transferer(backend Backend, signer Signer, config TransfererConfig) (*ERC20Transferer, error) {
	if backend == nil || signer == nil {
		return nil, errors.New("backend and signer are required")
	}
	if config.Network.ChainID == nil {
		return nil, fmt.Errorf("%w: missing chain id", ErrUnsupportedNetwork)
	}
	if config.Network.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing token contract", ErrUnsupportedNetwork)
	}
	if config.Network.Decimals == 0 {
		config.Network.Decimals = 6
	}
	if config.GasLimit == 0 {
		config.GasLimit = DefaultGasLimit
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = DefaultConfirmTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &ERC20Transferer{
		backend: backend,
		signer:  signer,
		config:  config,
		logger:  config.Logger.Sugar(),
		seen:    make(map[string]struct{}),
	}, nil
}

// Address returns the payer address
func (t *ERC20Transferer) Address() common.Address {
	return t.signer.Address()
}

// SubmitTransfer implements moltpay.Transferer
func (t *ERC20Transferer) SubmitTransfer(ctx context.Context, req moltpay.TransferRequest) (moltpay.TransferResult, error) {
	if req.Network != "" && !t.config.Network.Matches(req.Network) {
		return moltpay.TransferResult{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, req.Network)
	}
	if req.From != "" && !strings.EqualFold(req.From, t.signer.Address().Hex()) {
		return moltpay.TransferResult{}, fmt.Errorf("%w: %s", ErrPayerMismatch, req.From)
	}
	if !common.IsHexAddress(req.To) {
		return moltpay.TransferResult{}, fmt.Errorf("invalid recipient %q", req.To)
	}
	units, err := req.Amount.BaseUnits(t.config.Network.Decimals)
	if err != nil {
		return moltpay.TransferResult{}, err
	}
	if units.Sign() <= 0 {
		return moltpay.TransferResult{}, fmt.Errorf("transfer amount must be positive: %s", req.Amount)
	}

	if !t.claim(req.IdempotencyKey) {
		return moltpay.TransferResult{}, fmt.Errorf("%w: %s", moltpay.ErrDuplicateSubmission, req.IdempotencyKey)
	}

	tx, err := t.send(ctx, common.HexToAddress(req.To), units)
	if err != nil {
		return moltpay.TransferResult{}, err
	}

	t.logger.Infow("transfer_broadcast",
		"idempotency_key", req.IdempotencyKey,
		"leg", req.Leg,
		"tx_hash", tx.Hash().Hex(),
		"amount", req.Amount.String(),
	)

	receipt, err := t.waitMined(ctx, tx.Hash())
	if err != nil {
		return moltpay.TransferResult{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return moltpay.TransferResult{}, fmt.Errorf("%w: %s", ErrTransactionReverted, tx.Hash().Hex())
	}

	result := moltpay.TransferResult{ConfirmationID: tx.Hash().Hex()}
	if receipt.BlockNumber != nil {
		result.NetworkConfirmationID = receipt.BlockNumber.String()
	}
	return result, nil
}

func (t *ERC20Transferer) claim(key string) bool {
	if key == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

func (t *ERC20Transferer) send(ctx context.Context, to common.Address, units *big.Int) (*types.Transaction, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	from := t.signer.Address()
	nonce, err := t.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	token := t.config.Network.Token
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      t.config.GasLimit,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     TransferCalldata(to, units),
	})

	signed, err := t.signer.SignTx(tx, t.config.Network.ChainID)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (t *ERC20Transferer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotConfirmed, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransferCalldata encodes transfer(to, amount) for an ERC-20 contract
func TransferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
