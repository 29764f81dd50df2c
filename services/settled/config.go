package settled

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"devpn/core/eligibility"
	"devpn/core/epoch"
	"devpn/core/rewards"
	"devpn/core/settlement"
	"devpn/crypto"
	"devpn/sdk/evm"
	"devpn/sdk/wallet"
	"devpn/storage"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress string            `yaml:"listen" toml:"listen"`
	Environment   string            `yaml:"env" toml:"env"`
	PauseOnStart  bool              `yaml:"pause" toml:"pause"`
	Strategy      string            `yaml:"strategy" toml:"strategy"`
	Database      DatabaseConfig    `yaml:"database" toml:"database"`
	Chain         ChainConfig       `yaml:"chain" toml:"chain"`
	Payer         PayerConfig       `yaml:"payer" toml:"payer"`
	Token         TokenConfig       `yaml:"token" toml:"token"`
	Epoch         EpochConfig       `yaml:"epoch" toml:"epoch"`
	Eligibility   EligibilityConfig `yaml:"eligibility" toml:"eligibility"`
	Rewards       RewardsConfig     `yaml:"rewards" toml:"rewards"`
	Settlement    SettlementConfig  `yaml:"settlement" toml:"settlement"`
	AI            AIConfig          `yaml:"ai" toml:"ai"`
	Admin         AdminConfig       `yaml:"admin" toml:"admin"`
	Redis         RedisConfig       `yaml:"redis" toml:"redis"`
	Webhook       WebhookConfig     `yaml:"webhook" toml:"webhook"`
	Log           LogConfig         `yaml:"log" toml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	// Path is a convenience for SQLite; it is converted into a DSN.
	Path string `yaml:"path" toml:"path"`
}

// ChainConfig configures the JSON-RPC endpoint and transaction policy.
type ChainConfig struct {
	RPCURL             string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID            uint64   `yaml:"chain_id" toml:"chain_id"`
	SettlementContract string   `yaml:"settlement_contract" toml:"settlement_contract"`
	TokenContract      string   `yaml:"token_contract" toml:"token_contract"`
	FallbackGasPrice   string   `yaml:"fallback_gas_price_wei" toml:"fallback_gas_price_wei"`
	GasLimit           uint64   `yaml:"gas_limit" toml:"gas_limit"`
	GasBufferPercent   uint64   `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
	ReceiptTimeout     Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval       Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// PayerConfig lists where the payer key is loaded from.
type PayerConfig struct {
	Key           string `yaml:"key" toml:"key"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// TokenConfig describes the reward token.
type TokenConfig struct {
	Decimals          uint8  `yaml:"decimals" toml:"decimals"`
	BaseUnitThreshold string `yaml:"base_unit_threshold" toml:"base_unit_threshold"`
}

// EpochConfig controls the accounting window and the two scheduled jobs.
type EpochConfig struct {
	Duration         Duration `yaml:"duration" toml:"duration"`
	RolloverSchedule string   `yaml:"rollover_schedule" toml:"rollover_schedule"`
	SettleSchedule   string   `yaml:"settle_schedule" toml:"settle_schedule"`
	JobTimeout       Duration `yaml:"job_timeout" toml:"job_timeout"`
}

// EligibilityConfig mirrors eligibility.Config.
type EligibilityConfig struct {
	QualityThreshold float64  `yaml:"quality_threshold" toml:"quality_threshold"`
	AIScoreThreshold float64  `yaml:"ai_score_threshold" toml:"ai_score_threshold"`
	AnomalyZScore    float64  `yaml:"anomaly_z_score" toml:"anomaly_z_score"`
	AnomalyWindow    Duration `yaml:"anomaly_window" toml:"anomaly_window"`
	HistoryLimit     int      `yaml:"history_limit" toml:"history_limit"`
	MinHistory       int      `yaml:"min_history" toml:"min_history"`
	SpikeMultiplier  float64  `yaml:"spike_multiplier" toml:"spike_multiplier"`
}

// RewardsConfig mirrors rewards.Config.
type RewardsConfig struct {
	Scale             int64 `yaml:"scale" toml:"scale"`
	DefaultReputation int   `yaml:"default_reputation" toml:"default_reputation"`
}

// SettlementConfig mirrors settlement.Config.
type SettlementConfig struct {
	PrefetchWorkers int `yaml:"prefetch_workers" toml:"prefetch_workers"`
	RetryBatch      int `yaml:"retry_batch" toml:"retry_batch"`
}

// AIConfig configures the scoring service client.
type AIConfig struct {
	URL           string   `yaml:"url" toml:"url"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
	CacheTTL      Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	NotifyTimeout Duration `yaml:"notify_timeout" toml:"notify_timeout"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv    string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTIssuer       string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	JWTAudience     string `yaml:"jwt_audience" toml:"jwt_audience"`
}

// RedisConfig enables the cross-process sweep lock.
type RedisConfig struct {
	URL     string   `yaml:"url" toml:"url"`
	LockKey string   `yaml:"lock_key" toml:"lock_key"`
	LockTTL Duration `yaml:"lock_ttl" toml:"lock_ttl"`
}

// WebhookConfig enables signed epoch notifications.
type WebhookConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Secret    string `yaml:"secret" toml:"secret"`
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
}

// LogConfig configures log level and the optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// LoadConfig reads configuration from the supplied path, overlays SETTLED_*
// environment variables, applies defaults and validates the result. An empty
// path configures from the environment alone.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, lookup)
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(lookup); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if name := strings.TrimSpace(cfg.Webhook.SecretEnv); name != "" && cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret, _ = lookup(name)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(contents), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("SETTLED_LISTEN", &cfg.ListenAddress)
	str("SETTLED_ENV", &cfg.Environment)
	str("SETTLED_STRATEGY", &cfg.Strategy)
	str("SETTLED_DATABASE_DRIVER", &cfg.Database.Driver)
	str("SETTLED_DATABASE_DSN", &cfg.Database.DSN)
	str("SETTLED_DATABASE_PATH", &cfg.Database.Path)
	str("SETTLED_RPC_URL", &cfg.Chain.RPCURL)
	str("SETTLED_SETTLEMENT_CONTRACT", &cfg.Chain.SettlementContract)
	str("SETTLED_TOKEN_CONTRACT", &cfg.Chain.TokenContract)
	str("SETTLED_PAYER_KEY", &cfg.Payer.Key)
	str("SETTLED_PAYER_KEY_FILE", &cfg.Payer.KeyFile)
	str("SETTLED_KEYSTORE", &cfg.Payer.Keystore)
	str("SETTLED_AI_URL", &cfg.AI.URL)
	str("SETTLED_ADMIN_TOKEN", &cfg.Admin.BearerToken)
	str("SETTLED_JWT_SECRET", &cfg.Admin.JWTSecret)
	str("SETTLED_REDIS_URL", &cfg.Redis.URL)
	str("SETTLED_WEBHOOK_URL", &cfg.Webhook.URL)
	str("SETTLED_WEBHOOK_SECRET", &cfg.Webhook.Secret)
	str("SETTLED_LOG_LEVEL", &cfg.Log.Level)
	str("SETTLED_LOG_FILE", &cfg.Log.File)
	if v, ok := lookup("SETTLED_CHAIN_ID"); ok {
		if id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.Chain.ChainID = id
		}
	}
	if v, ok := lookup("SETTLED_EPOCH_DURATION"); ok {
		_ = cfg.Epoch.Duration.UnmarshalText([]byte(v))
	}
	if v, ok := lookup("SETTLED_PAUSE"); ok {
		if paused, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.PauseOnStart = paused
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	if cfg.Strategy == "" {
		cfg.Strategy = settlement.StrategyCommit
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storage.DriverSQLite
	}
	if cfg.Database.Driver == storage.DriverSQLite && cfg.Database.DSN == "" && cfg.Database.Path == "" {
		cfg.Database.Path = "settled.db"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = evm.DefaultChainID
	}
	if cfg.Chain.GasLimit == 0 {
		cfg.Chain.GasLimit = evm.DefaultGasLimit
	}
	if cfg.Chain.GasBufferPercent == 0 {
		cfg.Chain.GasBufferPercent = evm.DefaultGasBufferPercent
	}
	if cfg.Chain.ReceiptTimeout.Duration == 0 {
		cfg.Chain.ReceiptTimeout.Duration = evm.DefaultReceiptTimeout
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = evm.DefaultPollInterval
	}
	if cfg.Payer.PassphraseEnv == "" {
		cfg.Payer.PassphraseEnv = "SETTLED_KEYSTORE_PASSPHRASE"
	}
	if cfg.Token.Decimals == 0 {
		cfg.Token.Decimals = wallet.DefaultDecimals
	}
	if cfg.Epoch.Duration.Duration == 0 {
		cfg.Epoch.Duration.Duration = epoch.DefaultConfig().Duration
	}
	if cfg.Epoch.RolloverSchedule == "" {
		cfg.Epoch.RolloverSchedule = "@every 1m"
	}
	if cfg.Epoch.SettleSchedule == "" {
		cfg.Epoch.SettleSchedule = "@every 5m"
	}
	if cfg.Epoch.JobTimeout.Duration == 0 {
		cfg.Epoch.JobTimeout.Duration = 4 * time.Minute
	}

	el := eligibility.DefaultConfig()
	if cfg.Eligibility.QualityThreshold == 0 {
		cfg.Eligibility.QualityThreshold = el.QualityThreshold
	}
	if cfg.Eligibility.AIScoreThreshold == 0 {
		cfg.Eligibility.AIScoreThreshold = el.AIScoreThreshold
	}
	if cfg.Eligibility.AnomalyZScore == 0 {
		cfg.Eligibility.AnomalyZScore = el.AnomalyZScore
	}
	if cfg.Eligibility.AnomalyWindow.Duration == 0 {
		cfg.Eligibility.AnomalyWindow.Duration = el.AnomalyWindow
	}
	if cfg.Eligibility.HistoryLimit == 0 {
		cfg.Eligibility.HistoryLimit = el.HistoryLimit
	}
	if cfg.Eligibility.MinHistory == 0 {
		cfg.Eligibility.MinHistory = el.MinHistory
	}
	if cfg.Eligibility.SpikeMultiplier == 0 {
		cfg.Eligibility.SpikeMultiplier = el.SpikeMultiplier
	}

	rw := rewards.DefaultConfig()
	if cfg.Rewards.Scale == 0 {
		cfg.Rewards.Scale = rw.Scale
	}
	if cfg.Rewards.DefaultReputation == 0 {
		cfg.Rewards.DefaultReputation = rw.DefaultReputation
	}

	st := settlement.DefaultConfig()
	if cfg.Settlement.PrefetchWorkers <= 0 {
		cfg.Settlement.PrefetchWorkers = st.PrefetchWorkers
	}
	if cfg.Settlement.RetryBatch <= 0 {
		cfg.Settlement.RetryBatch = st.RetryBatch
	}

	if cfg.AI.Timeout.Duration == 0 {
		cfg.AI.Timeout.Duration = 5 * time.Second
	}
	if cfg.AI.CacheTTL.Duration == 0 {
		cfg.AI.CacheTTL.Duration = time.Minute
	}
	if cfg.AI.NotifyTimeout.Duration == 0 {
		cfg.AI.NotifyTimeout.Duration = 10 * time.Second
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "devpn:settlement:sweep"
	}
	if cfg.Redis.LockTTL.Duration == 0 {
		cfg.Redis.LockTTL.Duration = 10 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Strategy {
	case settlement.StrategyCommit:
		if !common.IsHexAddress(cfg.Chain.SettlementContract) {
			return fmt.Errorf("chain.settlement_contract must be a valid address for the commit strategy")
		}
	case settlement.StrategyDirect:
		if !common.IsHexAddress(cfg.Chain.TokenContract) {
			return fmt.Errorf("chain.token_contract must be a valid address for the direct strategy")
		}
	default:
		return fmt.Errorf("strategy must be %q or %q", settlement.StrategyCommit, settlement.StrategyDirect)
	}
	if cfg.Chain.TokenContract != "" && !common.IsHexAddress(cfg.Chain.TokenContract) {
		return fmt.Errorf("chain.token_contract is not a valid address")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url must be configured")
	}
	if _, err := parseBig(cfg.Chain.FallbackGasPrice); err != nil {
		return fmt.Errorf("chain.fallback_gas_price_wei: %w", err)
	}
	if _, err := parseBig(cfg.Token.BaseUnitThreshold); err != nil {
		return fmt.Errorf("token.base_unit_threshold: %w", err)
	}
	if cfg.Payer.Key == "" && cfg.Payer.KeyEnv == "" && cfg.Payer.KeyFile == "" && cfg.Payer.Keystore == "" {
		return fmt.Errorf("payer key must be configured")
	}
	switch cfg.Database.Driver {
	case storage.DriverSQLite:
	case storage.DriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	for name, spec := range map[string]string{
		"epoch.rollover_schedule": cfg.Epoch.RolloverSchedule,
		"epoch.settle_schedule":   cfg.Epoch.SettleSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := cfg.EpochConfig().Validate(); err != nil {
		return err
	}
	if err := cfg.EligibilityConfig().Validate(); err != nil {
		return err
	}
	if err := cfg.RewardsConfig().Validate(); err != nil {
		return err
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either admin.bearer_token or admin.jwt_secret for admin authentication")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret must be configured with webhook.url")
	}
	return nil
}

func (a *AdminConfig) normalise(lookup func(string) (string, bool)) error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if name := strings.TrimSpace(a.JWTSecretEnv); name != "" && a.JWTSecret == "" {
		value, _ := lookup(name)
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", name)
		}
		a.JWTSecret = strings.TrimSpace(value)
	}
	return nil
}

// DatabaseDSN resolves the DSN handed to storage.Open.
func (c Config) DatabaseDSN() (string, error) {
	if c.Database.DSN != "" {
		return c.Database.DSN, nil
	}
	return storage.FileDSN(c.Database.Path)
}

// KeySource converts the payer section into a crypto.KeySource.
func (c Config) KeySource(passphrase func() (string, error)) crypto.KeySource {
	return crypto.KeySource{
		Hex:        c.Payer.Key,
		Env:        c.Payer.KeyEnv,
		File:       c.Payer.KeyFile,
		Keystore:   c.Payer.Keystore,
		Passphrase: passphrase,
	}
}

// EpochConfig returns the epoch manager configuration.
func (c Config) EpochConfig() epoch.Config {
	return epoch.Config{Duration: c.Epoch.Duration.Duration}
}

// EligibilityConfig returns the evaluator thresholds.
func (c Config) EligibilityConfig() eligibility.Config {
	return eligibility.Config{
		QualityThreshold: c.Eligibility.QualityThreshold,
		AIScoreThreshold: c.Eligibility.AIScoreThreshold,
		AnomalyZScore:    c.Eligibility.AnomalyZScore,
		AnomalyWindow:    c.Eligibility.AnomalyWindow.Duration,
		HistoryLimit:     c.Eligibility.HistoryLimit,
		MinHistory:       c.Eligibility.MinHistory,
		SpikeMultiplier:  c.Eligibility.SpikeMultiplier,
	}
}

// RewardsConfig returns the reward formula constants.
func (c Config) RewardsConfig() rewards.Config {
	return rewards.Config{Scale: c.Rewards.Scale, DefaultReputation: c.Rewards.DefaultReputation}
}

// SettlementConfig returns the orchestrator tuning.
func (c Config) SettlementConfig() settlement.Config {
	return settlement.Config{PrefetchWorkers: c.Settlement.PrefetchWorkers, RetryBatch: c.Settlement.RetryBatch}
}

// EVMConfig returns the transaction policy.
func (c Config) EVMConfig() evm.Config {
	cfg := evm.Config{
		ChainID:          new(big.Int).SetUint64(c.Chain.ChainID),
		DefaultGasLimit:  c.Chain.GasLimit,
		GasBufferPercent: c.Chain.GasBufferPercent,
		ReceiptTimeout:   c.Chain.ReceiptTimeout.Duration,
		PollInterval:     c.Chain.PollInterval.Duration,
	}
	cfg.FallbackGasPrice, _ = parseBig(c.Chain.FallbackGasPrice)
	return cfg
}

// WalletConfig returns the token unit conversion settings.
func (c Config) WalletConfig() wallet.Config {
	cfg := wallet.Config{Decimals: c.Token.Decimals}
	cfg.BaseUnitThreshold, _ = parseBig(c.Token.BaseUnitThreshold)
	return cfg
}

func parseBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%q is not a positive integer", raw)
	}
	return v, nil
}
