package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	moltpay "github.com/molt-pay/molt-pay-go"
	"github.com/molt-pay/molt-pay-go/chain"
	"github.com/molt-pay/molt-pay-go/logger"
	"github.com/molt-pay/molt-pay-go/store"
)

// EnvPrefix prefixes every environment override, e.g. MOLTPAY_POLICY_FEE_RATE
const EnvPrefix = "MOLTPAY"

// Config is the full engine configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Handshake  HandshakeConfig  `mapstructure:"handshake"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	MCP        MCPConfig        `mapstructure:"mcp"`
}

// LogConfig configures the logger package
type LogConfig struct {
	Mode       string `mapstructure:"mode"` // debug / release / silent
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions converts to logger options
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Level,
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// PolicyConfig holds the limit and fee settings as decimal strings
type PolicyConfig struct {
	MaxTransactionLimit string `mapstructure:"max_transaction_limit"`
	FeeRate             string `mapstructure:"fee_rate"`
	TreasuryAddress     string `mapstructure:"treasury_address"`
}

// ToPolicyConfig parses the decimal settings. The policy itself refuses
// limits above the protocol ceiling
func (c PolicyConfig) ToPolicyConfig(currency string) (moltpay.PolicyConfig, error) {
	limit, err := moltpay.ParseAmount(c.MaxTransactionLimit)
	if err != nil {
		return moltpay.PolicyConfig{}, fmt.Errorf("policy.max_transaction_limit: %w", err)
	}
	rate, err := decimal.NewFromString(c.FeeRate)
	if err != nil {
		return moltpay.PolicyConfig{}, fmt.Errorf("policy.fee_rate: %w", err)
	}
	return moltpay.PolicyConfig{
		MaxTransactionLimit: limit,
		FeeRate:             rate,
		TreasuryAddress:     c.TreasuryAddress,
		Currency:            currency,
	}, nil
}

// NormalizerConfig selects the settlement currency and network
type NormalizerConfig struct {
	Currency    string `mapstructure:"currency"`
	Network     string `mapstructure:"network"`
	DefaultMemo string `mapstructure:"default_memo"`
}

// ToNormalizerConfig overlays the settings on the USDC-on-Polygon defaults
func (c NormalizerConfig) ToNormalizerConfig() moltpay.NormalizerConfig {
	out := moltpay.DefaultNormalizerConfig()
	if c.Currency != "" {
		out.Currency = c.Currency
	}
	if c.Network != "" && !strings.EqualFold(c.Network, out.Network) {
		out.Network = c.Network
		out.NetworkAliases = nil
	}
	if c.DefaultMemo != "" {
		out.DefaultMemo = c.DefaultMemo
	}
	return out
}

// HandshakeConfig configures the authorization handshake
type HandshakeConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	AffirmativeTokens []string      `mapstructure:"affirmative_tokens"`
}

func (c HandshakeConfig) ToHandshakeConfig() moltpay.HandshakeConfig {
	return moltpay.HandshakeConfig{Timeout: c.Timeout, AffirmativeTokens: c.AffirmativeTokens}
}

// SettlementConfig names the payer wallet address
type SettlementConfig struct {
	PayerAddress string `mapstructure:"payer_address"`
}

// ChainConfig configures on-chain settlement
type ChainConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	RPCURL           string        `mapstructure:"rpc_url"`
	Network          string        `mapstructure:"network"`
	ChainID          int64         `mapstructure:"chain_id"`
	Token            string        `mapstructure:"token"`
	GasLimit         uint64        `mapstructure:"gas_limit"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	PrivateKey       string        `mapstructure:"private_key"`
	Mnemonic         string        `mapstructure:"mnemonic"`
	DerivationPath   string        `mapstructure:"derivation_path"`
	KeystorePath     string        `mapstructure:"keystore_path"`
	KeystorePassword string        `mapstructure:"keystore_password"`
}

// ToNetwork resolves the configured network with its overrides
func (c ChainConfig) ToNetwork() (chain.Network, error) {
	n, ok := chain.NetworkByName(c.Network)
	if !ok {
		return chain.Network{}, fmt.Errorf("%w: %s", chain.ErrUnsupportedNetwork, c.Network)
	}
	if c.ChainID > 0 {
		n = n.WithChainID(c.ChainID)
	}
	if c.Token != "" {
		n = n.WithToken(c.Token)
	}
	return n, nil
}

// ToWalletConfig loads the keystore file when one is configured
func (c ChainConfig) ToWalletConfig() (chain.WalletConfig, error) {
	wallet := chain.WalletConfig{
		PrivateKey:       c.PrivateKey,
		Mnemonic:         c.Mnemonic,
		DerivationPath:   c.DerivationPath,
		KeystorePassword: c.KeystorePassword,
	}
	if c.KeystorePath != "" {
		data, err := os.ReadFile(c.KeystorePath)
		if err != nil {
			return chain.WalletConfig{}, fmt.Errorf("read keystore: %w", err)
		}
		wallet.KeystoreJSON = data
	}
	return wallet, nil
}

// ToTransfererConfig builds the transferer settings for network
func (c ChainConfig) ToTransfererConfig(network chain.Network) chain.TransfererConfig {
	return chain.TransfererConfig{
		Network:        network,
		GasLimit:       c.GasLimit,
		PollInterval:   c.PollInterval,
		ConfirmTimeout: c.ConfirmTimeout,
	}
}

// LedgerConfig selects the receipt ledger backend
type LedgerConfig struct {
	Driver string      `mapstructure:"driver"` // memory / sqlite / postgres / redis
	DSN    string      `mapstructure:"dsn"`
	Pool   LedgerPool  `mapstructure:"pool"`
	Redis  LedgerRedis `mapstructure:"redis"`
}

// LedgerPool is the SQL connection pool
type LedgerPool struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

func (p LedgerPool) ToPoolConfig() store.PoolConfig {
	return store.PoolConfig{
		MaxOpenConns:           p.MaxOpenConns,
		MaxIdleConns:           p.MaxIdleConns,
		ConnMaxLifetimeSeconds: p.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: p.ConnMaxIdleTimeSeconds,
	}
}

// LedgerRedis is the Redis ledger connection
type LedgerRedis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func (r LedgerRedis) ToRedisOptions() store.RedisOptions {
	return store.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

// GatewayConfig configures the messaging gateway
type GatewayConfig struct {
	Mode    string        `mapstructure:"mode"` // console / http
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Listen  string        `mapstructure:"listen"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MCPConfig configures the MCP tool server
type MCPConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	Transport string `mapstructure:"transport"` // stdio / http
	Listen    string `mapstructure:"listen"`
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.mode", logger.ModeRelease)
	v.SetDefault("log.level", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "moltpay.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("policy.max_transaction_limit", moltpay.ProtocolCeiling().String())
	v.SetDefault("policy.fee_rate", moltpay.DefaultFeeRate)
	v.SetDefault("policy.treasury_address", moltpay.DefaultTreasuryAddress)

	v.SetDefault("normalizer.currency", "USDC")
	v.SetDefault("normalizer.network", "polygon")
	v.SetDefault("normalizer.default_memo", "Unknown Item")

	v.SetDefault("handshake.timeout", moltpay.DefaultAuthorizationTimeout)
	v.SetDefault("handshake.affirmative_tokens", moltpay.DefaultAffirmativeTokens)

	v.SetDefault("settlement.payer_address", "")

	v.SetDefault("chain.enabled", false)
	v.SetDefault("chain.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("chain.network", "polygon")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.token", "")
	v.SetDefault("chain.gas_limit", chain.DefaultGasLimit)
	v.SetDefault("chain.poll_interval", chain.DefaultPollInterval)
	v.SetDefault("chain.confirm_timeout", chain.DefaultConfirmTimeout)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.mnemonic", "")
	v.SetDefault("chain.derivation_path", chain.DefaultDerivationPath)
	v.SetDefault("chain.keystore_path", "")
	v.SetDefault("chain.keystore_password", "")

	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.dsn", "./moltpay.db")
	v.SetDefault("ledger.pool.max_open_conns", 1)
	v.SetDefault("ledger.pool.max_idle_conns", 1)
	v.SetDefault("ledger.pool.conn_max_lifetime_seconds", 0)
	v.SetDefault("ledger.pool.conn_max_idle_time_seconds", 0)
	v.SetDefault("ledger.redis.addr", "127.0.0.1:6379")
	v.SetDefault("ledger.redis.password", "")
	v.SetDefault("ledger.redis.db", 0)
	v.SetDefault("ledger.redis.prefix", "moltpay")

	v.SetDefault("gateway.mode", "console")
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.listen", ":8402")
	v.SetDefault("gateway.timeout", 30*time.Second)

	v.SetDefault("mcp.name", "molt-pay")
	v.SetDefault("mcp.version", "1.0.0")
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.listen", ":8080")
}

// New returns a viper instance with defaults, env overrides and, when path
// is set, that config file
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("moltpay")
		v.AddConfigPath(".")
		v.AddConfigPath("./etc")
	}
	return v
}

// Load reads the configuration. A missing config file is not an error when
// no explicit path was given; defaults and env overrides still apply
func Load(path string) (*Config, error) {
	v := New(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Unmarshal(v)
}

// Unmarshal decodes v into a Config
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
