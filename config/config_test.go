package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/types"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validBody(t *testing.T) string {
	t.Helper()
	pub := base64.StdEncoding.EncodeToString([]byte("test-public-key"))
	return `{
		"dataDir": "/tmp/sultan-test",
		"shardCount": 2,
		"validators": [
			{"address": "sn1validator", "stake": 100, "publicKey": "` + pub + `"}
		],
		"genesis": [
			{"address": "sn1alice", "balance": 1000}
		]
	}`
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvValidatorMnemonic, testMnemonic)
	cfg, err := Load(writeConfig(t, validBody(t)))
	require.NoError(t, err)

	require.Equal(t, uint32(2), cfg.ShardCount)
	require.Equal(t, 9000, cfg.ListenPort)
	require.Equal(t, uint64(100), cfg.EpochLength)
	require.Equal(t, 100, cfg.MaxTxPerShard)
	require.Equal(t, testMnemonic, cfg.ValidatorMnemonic)
	require.Equal(t, "1s", cfg.BlockInterval().String())
	require.Equal(t, "5s", cfg.RoundTimeout().String())
}

func TestLoadRejectsMissingMnemonic(t *testing.T) {
	t.Setenv(EnvValidatorMnemonic, "")
	_, err := Load(writeConfig(t, validBody(t)))
	require.Error(t, err)
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsZeroStakeValidator(t *testing.T) {
	t.Setenv(EnvValidatorMnemonic, testMnemonic)
	pub := base64.StdEncoding.EncodeToString([]byte("k"))
	body := `{
		"dataDir": "/tmp/sultan-test",
		"validators": [{"address": "sn1v", "stake": 0, "publicKey": "` + pub + `"}]
	}`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	require.True(t, types.IsFatal(err))
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	t.Setenv(EnvValidatorMnemonic, testMnemonic)
	pub := base64.StdEncoding.EncodeToString([]byte("k"))
	body := `{"validators": [{"address": "sn1v", "stake": 1, "publicKey": "` + pub + `"}]}`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestLoadRejectsBadPublicKeyEncoding(t *testing.T) {
	t.Setenv(EnvValidatorMnemonic, testMnemonic)
	body := `{
		"dataDir": "/tmp/sultan-test",
		"validators": [{"address": "sn1v", "stake": 1, "publicKey": "not base64!!"}]
	}`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}
