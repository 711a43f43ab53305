package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTrainerEnv(t *testing.T) {
	t.Setenv("BOOTSTRAP_ADDR", "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWTest")
	t.Setenv("OPERATOR_ID", "0.0.12345")
	t.Setenv("OPERATOR_KEY", "302e0201deadbeef")
	t.Setenv("CONTRACT_ID", "0.0.54321")
	t.Setenv("TOPIC_ID", "0.0.99999")
	t.Setenv("OBJECT_STORE_ACCESS_KEY", "AK")
	t.Setenv("OBJECT_STORE_SECRET_KEY", "SK")
	t.Setenv("OBJECT_STORE_ENDPOINT", "https://o3-rc2.akave.xyz")
	t.Setenv("DATA_DIR", t.TempDir())
}

func TestLoadTrainer(t *testing.T) {
	setTrainerEnv(t)

	cfg, err := Load(RoleTrainer)
	require.NoError(t, err)

	assert.Equal(t, RoleTrainer, cfg.Role)
	assert.Equal(t, "0.0.12345", cfg.OperatorID)
	assert.Equal(t, "akave-bucket", cfg.StoreBucket)
	assert.Equal(t, DefaultClientHTTPPort, cfg.HTTPPort)
	assert.Equal(t, 0, cfg.P2PPort, "non-bootstrap roles use an ephemeral port")
	assert.Equal(t, "http://127.0.0.1:9000", cfg.BootstrapHTTP)
	assert.Contains(t, cfg.IdentityPath(), "node_identity.json")
}

func TestLoadBootstrapDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load(RoleBootstrap)
	require.NoError(t, err)

	assert.Equal(t, DefaultBootstrapHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultBootstrapP2PPort, cfg.P2PPort)
}

func TestLoadMissingBootstrapAddr(t *testing.T) {
	setTrainerEnv(t)
	t.Setenv("BOOTSTRAP_ADDR", "")

	_, err := Load(RoleClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOTSTRAP_ADDR")
}

func TestLoadMissingOperatorKey(t *testing.T) {
	setTrainerEnv(t)
	t.Setenv("OPERATOR_KEY", "")

	_, err := Load(RoleTrainer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_KEY")
}

func TestLoadBadPort(t *testing.T) {
	setTrainerEnv(t)
	t.Setenv("HTTP_PORT", "not-a-port")

	_, err := Load(RoleTrainer)
	require.Error(t, err)
}

func TestLoadIsCloud(t *testing.T) {
	setTrainerEnv(t)
	t.Setenv("IS_CLOUD", "true")

	cfg, err := Load(RoleTrainer)
	require.NoError(t, err)
	assert.True(t, cfg.IsCloud)
}
