// Package config builds the immutable node configuration from the
// environment. All env reads happen here; the rest of the node only
// sees the Config value constructed at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Role identifies which state machine the node runs. A node has exactly
// one role for its lifetime.
type Role string

const (
	RoleBootstrap Role = "bootstrap"
	RoleClient    Role = "client"
	RoleTrainer   Role = "trainer"
)

// Default listen ports per role.
const (
	DefaultBootstrapHTTPPort = 9000
	DefaultClientHTTPPort    = 9001
	DefaultBootstrapP2PPort  = 4001
)

// Config is the immutable process configuration. It is constructed once
// by Load and threaded through the role constructors.
type Config struct {
	Role Role

	// Ledger identity and targets.
	OperatorID    string // Hedera account, "0.0.x"
	OperatorKey   string // ECDSA secp256k1 hex
	ContractID    string // "0.0.x"
	LogTopicID    string // consensus topic for human logs, "0.0.x"
	Network       string // hedera network name
	MirrorNodeURL string

	// Overlay.
	BootstrapAddr string // multiaddr of the bootstrap node
	BootstrapHTTP string // control URL of the bootstrap node
	NodeIP        string
	IsCloud       bool
	P2PPort       int // 0 = ephemeral

	// Object store (S3 semantics at a custom endpoint).
	StoreAccessKey string
	StoreSecretKey string
	StoreEndpoint  string
	StoreBucket    string

	// Control surface.
	HTTPPort int

	LogLevel string

	// Directory holding the persistent peer identity.
	DataDir string
}

// Load reads .env (if present) and the process environment and returns
// the validated configuration for the given role. Missing required
// variables are a startup error.
func Load(role Role) (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Role:           role,
		OperatorID:     os.Getenv("OPERATOR_ID"),
		OperatorKey:    os.Getenv("OPERATOR_KEY"),
		ContractID:     os.Getenv("CONTRACT_ID"),
		LogTopicID:     os.Getenv("TOPIC_ID"),
		Network:        getenvDefault("HEDERA_NETWORK", "testnet"),
		MirrorNodeURL:  getenvDefault("MIRROR_NODE_URL", "https://testnet.mirrornode.hedera.com"),
		BootstrapAddr:  os.Getenv("BOOTSTRAP_ADDR"),
		BootstrapHTTP: getenvDefault("BOOTSTRAP_HTTP",
			fmt.Sprintf("http://127.0.0.1:%d", DefaultBootstrapHTTPPort)),
		NodeIP:         getenvDefault("NODE_IP", "0.0.0.0"),
		StoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		StoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
		StoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		StoreBucket:    getenvDefault("OBJECT_STORE_BUCKET", "akave-bucket"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.IsCloud, err = parseOptionalBool("IS_CLOUD"); err != nil {
		return nil, err
	}

	httpDefault := DefaultClientHTTPPort
	if role == RoleBootstrap {
		httpDefault = DefaultBootstrapHTTPPort
	}
	if cfg.HTTPPort, err = parseOptionalInt("HTTP_PORT", httpDefault); err != nil {
		return nil, err
	}

	p2pDefault := 0
	if role == RoleBootstrap {
		p2pDefault = DefaultBootstrapP2PPort
	}
	if cfg.P2PPort, err = parseOptionalInt("P2P_PORT", p2pDefault); err != nil {
		return nil, err
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".fedmesh")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Role != RoleBootstrap && c.BootstrapAddr == "" {
		return fmt.Errorf("config: BOOTSTRAP_ADDR is required for role %q", c.Role)
	}
	if c.Role == RoleBootstrap {
		return nil
	}
	// Client and trainer both talk to the ledger and the object store.
	for _, kv := range []struct{ name, val string }{
		{"OPERATOR_ID", c.OperatorID},
		{"OPERATOR_KEY", c.OperatorKey},
		{"CONTRACT_ID", c.ContractID},
		{"OBJECT_STORE_ACCESS_KEY", c.StoreAccessKey},
		{"OBJECT_STORE_SECRET_KEY", c.StoreSecretKey},
		{"OBJECT_STORE_ENDPOINT", c.StoreEndpoint},
	} {
		if kv.val == "" {
			return fmt.Errorf("config: %s is required for role %q", kv.name, c.Role)
		}
	}
	return nil
}

// IdentityPath is the location of the persisted peer keypair.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "node_identity.json")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseOptionalInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func parseOptionalBool(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}
