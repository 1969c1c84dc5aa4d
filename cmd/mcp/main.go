package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	sandlib "github.com/AnishMulay/sandlock/clients/library"
	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	zaplog "github.com/AnishMulay/sandlock/internal/log_service/zap"
)

type ServerEntry struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type MCPConfig struct {
	// ClientID is the identity the session holds locks under.
	ClientID      string        `yaml:"client_id"`
	Servers       []ServerEntry `yaml:"servers"`
	DefaultServer string        `yaml:"default_server"`
	LogLevel      string        `yaml:"log_level"`
}

func defaultConfig() *MCPConfig {
	return &MCPConfig{
		ClientID:      "mcp-" + uuid.NewString()[:8],
		Servers:       []ServerEntry{{ID: "server1", Address: "127.0.0.1:8080"}},
		DefaultServer: "server1",
		LogLevel:      log_service.WarnLevel,
	}
}

// LoadConfig reads path, writing a default file there first when it does
// not exist.
func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("config %s lists no servers", path)
	}
	return cfg, nil
}

// ServerRegistry owns the one session the MCP server holds on a cell.
type ServerRegistry struct {
	Servers       map[string]string
	DefaultServer string
	ClientID      string
	Communicator  *grpccomm.GRPCCommunicator
	LogServer     log_service.LogService

	mu     sync.Mutex
	client *sandlib.SandlockClient
}

func NewServerRegistry(cfg *MCPConfig, comm *grpccomm.GRPCCommunicator, ls log_service.LogService) *ServerRegistry {
	r := &ServerRegistry{
		Servers:       make(map[string]string, len(cfg.Servers)),
		DefaultServer: cfg.DefaultServer,
		ClientID:      cfg.ClientID,
		Communicator:  comm,
		LogServer:     ls,
	}
	for _, s := range cfg.Servers {
		r.Servers[s.ID] = s.Address
	}
	if _, ok := r.Servers[r.DefaultServer]; !ok && len(cfg.Servers) > 0 {
		r.DefaultServer = cfg.Servers[0].ID
	}
	return r
}

// Session returns the connected client, connecting (or reconnecting after
// the previous session was lost) on demand.
func (r *ServerRegistry) Session(ctx context.Context) (*sandlib.SandlockClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		if r.client.SessionID() != "" && !r.client.Lost() {
			return r.client, nil
		}
		_ = r.client.Close(ctx)
		r.client = nil
	}

	addr, ok := r.Servers[r.DefaultServer]
	if !ok {
		return nil, fmt.Errorf("server %s not found", r.DefaultServer)
	}
	c := sandlib.NewSandlockClient(r.ClientID, addr, r.Communicator, r.LogServer)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}

// Use switches the server new sessions connect to. The current session,
// if any, is closed.
func (r *ServerRegistry) Use(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Servers[id]; !ok {
		return fmt.Errorf("server %s not found", id)
	}
	r.DefaultServer = id
	return r.closeLocked(ctx)
}

func (r *ServerRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(ctx)
}

func (r *ServerRegistry) closeLocked(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close(ctx)
	r.client = nil
	return err
}

func main() {
	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".config", "sandlock", "mcp.yaml"), "MCP config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	ls := zaplog.NewZapLogService(cfg.ClientID, cfg.LogLevel, false, os.Stderr)
	comm := grpccomm.NewGRPCCommunicator("", ls)
	registry := NewServerRegistry(cfg, comm, ls)

	s := server.NewMCPServer(
		"sandlock",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, registry)

	// ServeStdio returns on SIGINT and SIGTERM as well as on EOF.
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
	_ = registry.Close(context.Background())
	_ = comm.Stop()
}
