package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

const (
	DefaultNodeID       = "sandlock-1"
	DefaultCell         = "local"
	DefaultListenAddr   = "127.0.0.1:8080"
	DefaultEtcdEndpoint = "127.0.0.1:2379"
	DefaultDialTimeout  = 5 * time.Second
	DefaultLogBackend   = "zap"
	DefaultLogDir       = "./data/logs"
	DefaultMetricsAddr  = "127.0.0.1:9090"
	DefaultSessionGrace = 10 * time.Second
)

// Default returns a complete configuration made only of defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", DefaultNodeID)
	v.SetDefault("cell", DefaultCell)
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("etcd.endpoints", []string{DefaultEtcdEndpoint})
	v.SetDefault("etcd.dial_timeout", DefaultDialTimeout)
	v.SetDefault("etcd.namespace", "")
	v.SetDefault("log.backend", DefaultLogBackend)
	v.SetDefault("log.level", log_service.InfoLevel)
	v.SetDefault("log.dir", DefaultLogDir)
	v.SetDefault("log.console", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", DefaultMetricsAddr)
	v.SetDefault("lock_delay.default", int64(node.DefaultLockDelay))
	v.SetDefault("session_grace", DefaultSessionGrace)
}

// ApplyDefaults fills zero values. Log levels are upper-cased so that
// "debug" in a file is accepted.
func ApplyDefaults(cfg *Config) {
	if cfg.NodeID == "" {
		cfg.NodeID = DefaultNodeID
	}
	if cfg.Cell == "" {
		cfg.Cell = DefaultCell
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	cfg.Etcd.Endpoints = splitList(cfg.Etcd.Endpoints)
	if len(cfg.Etcd.Endpoints) == 0 {
		cfg.Etcd.Endpoints = []string{DefaultEtcdEndpoint}
	}
	if cfg.Etcd.DialTimeout == 0 {
		cfg.Etcd.DialTimeout = DefaultDialTimeout
	}

	if cfg.Log.Backend == "" {
		cfg.Log.Backend = DefaultLogBackend
	}
	cfg.Log.Level = strings.ToUpper(cfg.Log.Level)
	if cfg.Log.Level == "" {
		cfg.Log.Level = log_service.InfoLevel
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = DefaultLogDir
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}

	if cfg.LockDelay.Default == 0 {
		cfg.LockDelay.Default = int64(node.DefaultLockDelay)
	}
	if cfg.SessionGrace == 0 {
		cfg.SessionGrace = DefaultSessionGrace
	}
}
