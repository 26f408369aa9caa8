package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	valid "github.com/asaskevich/govalidator"
	"github.com/joho/godotenv"

	"github.com/sultan-labs/sultan/types"
)

// EnvValidatorMnemonic carries the validator key outside the config
// file so the file can be committed or shared without leaking it.
const EnvValidatorMnemonic = "SULTAN_VALIDATOR_MNEMONIC"

// GenesisAccount is one initial balance allocation.
type GenesisAccount struct {
	Address string `json:"address" valid:"required"`
	Balance uint64 `json:"balance"`
}

// ValidatorEntry describes one member of the genesis validator set.
type ValidatorEntry struct {
	Address   string `json:"address" valid:"required"`
	Stake     uint64 `json:"stake"`
	PublicKey string `json:"publicKey" valid:"required"` // base64
}

func (v *ValidatorEntry) PublicKeyBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(v.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("validator %s: bad public key encoding: %w", v.Address, err)
	}
	return data, nil
}

type Config struct {
	DataDir         string   `json:"dataDir" valid:"required"`
	ListenPort      int      `json:"listenPort"`
	RPCAddr         string   `json:"rpcAddr"`
	BootstrapPeers  []string `json:"bootstrapPeers"`
	ShardCount      uint32   `json:"shardCount"`
	EpochLength     uint64   `json:"epochLength"`
	BlockIntervalMs int      `json:"blockIntervalMs"`
	RoundTimeoutMs  int      `json:"roundTimeoutMs"`
	MempoolTTLSec   int      `json:"mempoolTtlSec"`
	MaxTxPerShard   int      `json:"maxTxPerShard"`

	Genesis    []GenesisAccount `json:"genesis"`
	Validators []ValidatorEntry `json:"validators"`

	// Loaded from the environment, never from the file.
	ValidatorMnemonic string `json:"-"`
}

// Load reads the JSON config file, folds in environment overrides from
// an optional .env file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ValidatorMnemonic = os.Getenv(EnvValidatorMnemonic)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = 9000
	}
	if c.RPCAddr == "" {
		c.RPCAddr = "127.0.0.1:8545"
	}
	if c.ShardCount == 0 {
		c.ShardCount = 4
	}
	if c.EpochLength == 0 {
		c.EpochLength = 100
	}
	if c.BlockIntervalMs == 0 {
		c.BlockIntervalMs = 1000
	}
	if c.RoundTimeoutMs == 0 {
		c.RoundTimeoutMs = 5000
	}
	if c.MempoolTTLSec == 0 {
		c.MempoolTTLSec = 300
	}
	if c.MaxTxPerShard == 0 {
		c.MaxTxPerShard = 100
	}
}

// Validate checks the config for structural and semantic errors. All
// failures are configuration errors: the node refuses to start rather
// than run on a half-valid setup.
func (c *Config) Validate() error {
	if _, err := valid.ValidateStruct(c); err != nil {
		return &types.ConfigurationError{Reason: err.Error()}
	}
	if c.ShardCount < 1 {
		return &types.ConfigurationError{Reason: "shard count must be at least 1"}
	}
	if len(c.Validators) == 0 {
		return &types.ConfigurationError{Reason: "at least one validator is required"}
	}
	for _, v := range c.Validators {
		if v.Stake == 0 {
			return &types.ConfigurationError{
				Reason: fmt.Sprintf("validator %s has zero stake", v.Address),
			}
		}
		if _, err := v.PublicKeyBytes(); err != nil {
			return &types.ConfigurationError{Reason: err.Error()}
		}
	}
	if c.ValidatorMnemonic == "" {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("%s is not set", EnvValidatorMnemonic),
		}
	}
	return nil
}

func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

func (c *Config) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutMs) * time.Millisecond
}

func (c *Config) MempoolTTL() time.Duration {
	return time.Duration(c.MempoolTTLSec) * time.Second
}
