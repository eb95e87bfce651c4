package config

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	moltpay "github.com/molt-pay/molt-pay-go"
	"github.com/molt-pay/molt-pay-go/chain"
	"github.com/molt-pay/molt-pay-go/gateway"
	"github.com/molt-pay/molt-pay-go/store"
)

// Closer releases a resource opened by a builder
type Closer func() error

func noopCloser() error { return nil }

// OpenLedger opens the configured receipt ledger
func (c *Config) OpenLedger() (moltpay.Ledger, Closer, error) {
	switch strings.ToLower(strings.TrimSpace(c.Ledger.Driver)) {
	case "", "memory":
		return moltpay.NewMemoryLedger(), noopCloser, nil
	case "sqlite", "postgres", "postgresql":
		db, err := store.OpenDB(c.Ledger.Driver, c.Ledger.DSN, c.Ledger.Pool.ToPoolConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		ledger, err := store.NewGormLedger(db)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return ledger, sqlDB.Close, nil
	case "redis":
		client := store.NewRedisClient(c.Ledger.Redis.ToRedisOptions())
		return store.NewRedisLedger(client, c.Ledger.Redis.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger driver: %s", c.Ledger.Driver)
	}
}

// OpenTransferer dials the chain and loads the payer wallet. It returns a
// nil transferer when on-chain settlement is disabled
func (c *Config) OpenTransferer(ctx context.Context, log *zap.Logger) (*chain.ERC20Transferer, Closer, error) {
	if !c.Chain.Enabled {
		return nil, noopCloser, nil
	}

	network, err := c.Chain.ToNetwork()
	if err != nil {
		return nil, nil, err
	}
	wallet, err := c.Chain.ToWalletConfig()
	if err != nil {
		return nil, nil, err
	}
	signer, err := chain.NewSigner(wallet)
	if err != nil {
		return nil, nil, fmt.Errorf("load wallet: %w", err)
	}

	client, err := chain.Dial(ctx, c.Chain.RPCURL)
	if err != nil {
		return nil, nil, err
	}

	tcfg := c.Chain.ToTransfererConfig(network)
	tcfg.Logger = log
	transferer, err := chain.NewERC20Transferer(client, signer, tcfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return transferer, func() error { client.Close(); return nil }, nil
}

// NewMessenger builds the configured messenger. Console mode uses in and out
func (c *Config) NewMessenger(in io.Reader, out io.Writer, log *zap.Logger) (moltpay.Messenger, error) {
	switch strings.ToLower(strings.TrimSpace(c.Gateway.Mode)) {
	case "", "console":
		return gateway.NewConsoleMessenger(in, out, log), nil
	case "http":
		if c.Gateway.URL == "" {
			return nil, fmt.Errorf("gateway.url is required in http mode")
		}
		return gateway.NewHTTPMessenger(c.Gateway.URL, c.Gateway.Token, c.Gateway.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode: %s", c.Gateway.Mode)
	}
}

// EngineConfig assembles the engine configuration around the given
// collaborators. The payer address defaults to the transferer's wallet
func (c *Config) EngineConfig(messenger moltpay.Messenger, transferer moltpay.Transferer, ledger moltpay.Ledger, log *zap.Logger) (moltpay.Config, error) {
	normalizer := c.Normalizer.ToNormalizerConfig()
	policy, err := c.Policy.ToPolicyConfig(normalizer.Currency)
	if err != nil {
		return moltpay.Config{}, err
	}

	settlement := moltpay.SettlementConfig{
		PayerAddress: c.Settlement.PayerAddress,
		Currency:     normalizer.Currency,
		Network:      normalizer.Network,
	}
	if settlement.PayerAddress == "" {
		if wallet, ok := transferer.(interface{ Address() common.Address }); ok {
			settlement.PayerAddress = wallet.Address().Hex()
		}
	}

	return moltpay.Config{
		Normalizer: normalizer,
		Policy:     policy,
		Handshake:  c.Handshake.ToHandshakeConfig(),
		Settlement: settlement,
		Messenger:  messenger,
		Transferer: transferer,
		Ledger:     ledger,
		Logger:     log,
	}, nil
}
