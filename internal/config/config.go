// Package config loads relay settings from defaults, an optional YAML file,
// PODOH_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"

	"github.com/Operative-001/podoh/internal/hop"
	"github.com/Operative-001/podoh/internal/route"
)

const (
	EnvPrefix   = "PODOH"
	BaseDirName = ".podoh"
)

// Keys lists every setting. Flags are named after them with '-' for '_'.
var Keys = []string{
	"listen", "port", "cert_file", "key_file", "data_dir",
	"layout", "exit", "seed",
	"pool_size", "pool_base_port", "pool_host",
	"target", "query_path", "timeout", "insecure", "log_level",
}

// FlagName is the command-line flag bound to key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Config is the resolved configuration of one process.
type Config struct {
	Listen   string
	Port     int
	CertFile string
	KeyFile  string
	DataDir  string

	Layout route.Layout
	Exit   bool
	Seed   int64

	PoolSize     int
	PoolBasePort int
	PoolHost     string

	Target    string
	QueryPath string
	Timeout   time.Duration
	Insecure  bool

	LogLevel string
}

// DefaultDataDir is ~/.podoh.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}

// SetDefaults registers the default of every key except seed, which is
// derived from the port when unset.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("layout", route.LayoutExplicit.String())
	v.SetDefault("exit", false)
	v.SetDefault("pool_size", 16)
	v.SetDefault("pool_base_port", 8080)
	v.SetDefault("pool_host", "localhost")
	v.SetDefault("target", hop.DefaultTarget)
	v.SetDefault("query_path", hop.DefaultQueryPath)
	v.SetDefault("timeout", 10*time.Second)
	// Next hops present certificates minted by their own interception CA.
	v.SetDefault("insecure", true)
	v.SetDefault("log_level", "info")
}

// Load reads file (when non-empty) and the environment into v and resolves
// the result. Flags must already be bound to v.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Wrapf(err, "config: read %s", file)
		}
	}
	return FromViper(v)
}

// FromViper resolves the current settings of v.
func FromViper(v *viper.Viper) (*Config, error) {
	layout, err := route.ParseLayout(v.GetString("layout"))
	if err != nil {
		return nil, oops.Wrapf(err, "config")
	}
	c := &Config{
		Listen:       v.GetString("listen"),
		Port:         v.GetInt("port"),
		CertFile:     v.GetString("cert_file"),
		KeyFile:      v.GetString("key_file"),
		DataDir:      v.GetString("data_dir"),
		Layout:       layout,
		Exit:         v.GetBool("exit"),
		PoolSize:     v.GetInt("pool_size"),
		PoolBasePort: v.GetInt("pool_base_port"),
		PoolHost:     v.GetString("pool_host"),
		Target:       v.GetString("target"),
		QueryPath:    v.GetString("query_path"),
		Timeout:      v.GetDuration("timeout"),
		Insecure:     v.GetBool("insecure"),
		LogLevel:     v.GetString("log_level"),
	}
	if v.IsSet("seed") {
		c.Seed = v.GetInt64("seed")
	} else {
		c.Seed = int64(c.Port - c.PoolBasePort)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return nil, oops.Errorf("config: invalid port %d", c.Port)
	}
	if c.PoolSize < 0 {
		return nil, oops.Errorf("config: invalid pool_size %d", c.PoolSize)
	}
	if c.Layout == route.LayoutHopCount && c.PoolSize == 0 {
		return nil, oops.Errorf("config: layout %s needs pool_size > 0", c.Layout)
	}
	return c, nil
}

// Addr is the address the interception proxy listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// Pool is the fixed relay pool: pool_host at pool_size consecutive ports
// starting at pool_base_port.
func (c *Config) Pool() []string {
	pool := make([]string, c.PoolSize)
	for i := range pool {
		pool[i] = net.JoinHostPort(c.PoolHost, strconv.Itoa(c.PoolBasePort+i))
	}
	return pool
}

// IdentityPath is where the hop's key pair is stored.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}
