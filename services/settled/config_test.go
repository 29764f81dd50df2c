package settled

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"devpn/core/settlement"
	"devpn/storage"
)

const testPayerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalYAML = `
listen: ":9000"
database:
  path: settled-test.db
chain:
  rpc_url: http://127.0.0.1:8545
  settlement_contract: "0x00000000000000000000000000000000000000c0"
  receipt_timeout: 90s
payer:
  key: "` + testPayerKey + `"
epoch:
  duration: 10m
admin:
  bearer_token: secret
`

func TestLoadConfigYAMLAppliesDefaults(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, "settled.yaml", minimalYAML), envMap(nil))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, settlement.StrategyCommit, cfg.Strategy)
	require.Equal(t, storage.DriverSQLite, cfg.Database.Driver)
	require.Equal(t, uint64(80002), cfg.Chain.ChainID)
	require.Equal(t, 90*time.Second, cfg.Chain.ReceiptTimeout.Duration)
	require.Equal(t, 2*time.Second, cfg.Chain.PollInterval.Duration)
	require.Equal(t, uint64(100_000), cfg.Chain.GasLimit)
	require.Equal(t, uint64(20), cfg.Chain.GasBufferPercent)
	require.Equal(t, 10*time.Minute, cfg.Epoch.Duration.Duration)
	require.Equal(t, "@every 1m", cfg.Epoch.RolloverSchedule)
	require.Equal(t, "@every 5m", cfg.Epoch.SettleSchedule)
	require.Equal(t, 60.0, cfg.Eligibility.QualityThreshold)
	require.Equal(t, 0.7, cfg.Eligibility.AIScoreThreshold)
	require.Equal(t, int64(1000), cfg.Rewards.Scale)
	require.Equal(t, 50, cfg.Rewards.DefaultReputation)
	require.Equal(t, uint8(18), cfg.Token.Decimals)
	require.Equal(t, "devpn:settlement:sweep", cfg.Redis.LockKey)

	evmCfg := cfg.EVMConfig()
	require.Equal(t, int64(80002), evmCfg.ChainID.Int64())
	require.Nil(t, evmCfg.FallbackGasPrice)
	require.Equal(t, 10*time.Minute, cfg.EpochConfig().Duration)

	dsn, err := cfg.DatabaseDSN()
	require.NoError(t, err)
	require.Contains(t, dsn, "settled-test.db")

	src := cfg.KeySource(nil)
	require.Equal(t, testPayerKey, src.Hex)
}

func TestLoadConfigTOML(t *testing.T) {
	body := `
strategy = "direct"

[database]
driver = "postgres"
dsn = "postgres://settled@localhost/settled"

[chain]
rpc_url = "http://127.0.0.1:8545"
token_contract = "0x00000000000000000000000000000000000000aa"
fallback_gas_price_wei = "25000000000"
poll_interval = "3s"

[payer]
key_env = "PAYER_HEX"

[token]
decimals = 6
base_unit_threshold = "1000000000"

[eligibility]
anomaly_window = "30m"

[admin]
jwt_secret = "hs256-secret"
jwt_issuer = "ops"
`
	cfg, err := loadConfig(writeFile(t, "settled.toml", body), envMap(nil))
	require.NoError(t, err)
	require.Equal(t, settlement.StrategyDirect, cfg.Strategy)
	require.Equal(t, storage.DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 3*time.Second, cfg.Chain.PollInterval.Duration)
	require.Equal(t, 30*time.Minute, cfg.EligibilityConfig().AnomalyWindow)
	require.Equal(t, int64(25_000_000_000), cfg.EVMConfig().FallbackGasPrice.Int64())

	w := cfg.WalletConfig()
	require.Equal(t, uint8(6), w.Decimals)
	require.Equal(t, int64(1_000_000_000), w.BaseUnitThreshold.Int64())

	auth := cfg.AuthConfig()
	require.Equal(t, "hs256-secret", auth.JWTSecret)
	require.Equal(t, "ops", auth.Issuer)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	cfg, err := loadConfig(writeFile(t, "settled.yaml", minimalYAML), envMap(map[string]string{
		"SETTLED_LISTEN":         ":7000",
		"SETTLED_CHAIN_ID":       "137",
		"SETTLED_EPOCH_DURATION": "1h",
		"SETTLED_PAUSE":          "true",
		"SETTLED_AI_URL":         "http://ai.internal:5000",
	}))
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, uint64(137), cfg.Chain.ChainID)
	require.Equal(t, time.Hour, cfg.Epoch.Duration.Duration)
	require.True(t, cfg.PauseOnStart)
	require.Equal(t, "http://ai.internal:5000", cfg.AI.URL)
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	cfg, err := loadConfig("", envMap(map[string]string{
		"SETTLED_RPC_URL":             "http://127.0.0.1:8545",
		"SETTLED_SETTLEMENT_CONTRACT": "0x00000000000000000000000000000000000000c0",
		"SETTLED_PAYER_KEY":           testPayerKey,
		"SETTLED_ADMIN_TOKEN":         "t",
	}))
	require.NoError(t, err)
	require.Equal(t, "settled.db", cfg.Database.Path)
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"direct without token":   {"SETTLED_STRATEGY": "direct"},
		"unknown strategy":       {"SETTLED_STRATEGY": "airdrop"},
		"bad database driver":    {"SETTLED_DATABASE_DRIVER": "mysql"},
		"postgres without dsn":   {"SETTLED_DATABASE_DRIVER": "postgres"},
		"webhook without secret": {"SETTLED_WEBHOOK_URL": "https://hooks.example/settled"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeFile(t, "settled.yaml", minimalYAML), envMap(env))
			require.Error(t, err)
		})
	}
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := loadConfig(writeFile(t, "settled.yaml", minimalYAML), envMap(nil))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Epoch.SettleSchedule = "every five minutes"
	require.ErrorContains(t, validateConfig(cfg), "epoch.settle_schedule")

	cfg = base()
	cfg.Chain.FallbackGasPrice = "-1"
	require.ErrorContains(t, validateConfig(cfg), "fallback_gas_price_wei")

	cfg = base()
	cfg.Admin = AdminConfig{}
	require.ErrorContains(t, validateConfig(cfg), "admin")

	cfg = base()
	cfg.Payer = PayerConfig{}
	require.ErrorContains(t, validateConfig(cfg), "payer")

	cfg = base()
	cfg.Eligibility.AIScoreThreshold = 2
	require.Error(t, validateConfig(cfg))
}

func TestAdminSecretsFromFileAndEnv(t *testing.T) {
	tokenFile := writeFile(t, "token", "  from-file\n")
	admin := AdminConfig{BearerTokenFile: tokenFile, JWTSecretEnv: "JWT_SECRET"}
	require.NoError(t, admin.normalise(envMap(map[string]string{"JWT_SECRET": "from-env"})))
	require.Equal(t, "from-file", admin.BearerToken)
	require.Equal(t, "from-env", admin.JWTSecret)

	missing := AdminConfig{JWTSecretEnv: "JWT_SECRET"}
	require.Error(t, missing.normalise(envMap(nil)))
}

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		Timeout Duration `yaml:"timeout"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 45s"), &out))
	require.Equal(t, 45*time.Second, out.Timeout.Duration)
	require.Error(t, yaml.Unmarshal([]byte("timeout: soon"), &out))
	require.Error(t, yaml.Unmarshal([]byte("timeout: [1, 2]"), &out))
}
