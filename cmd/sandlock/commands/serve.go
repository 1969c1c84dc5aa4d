package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AnishMulay/sandlock/internal/config"
	"github.com/AnishMulay/sandlock/servers/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cell server",
	Long: `Run one server of a cell against etcd.

Flags override the configuration file and SANDLOCK_* environment variables.

Examples:
  # Serve the "local" cell with defaults
  sandlock serve

  # Join a three-member etcd cluster
  sandlock serve --cell east --etcd-endpoints etcd-0:2379,etcd-1:2379,etcd-2:2379

  # Debug logging
  SANDLOCK_LOG_LEVEL=DEBUG sandlock serve --config ./sandlock.yaml`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("node-id", config.DefaultNodeID, "server id within the cell")
	f.String("cell", config.DefaultCell, "cell served, nodes live under /ls/<cell>")
	f.String("listen", config.DefaultListenAddr, "gRPC listen address")
	f.StringSlice("etcd-endpoints", []string{config.DefaultEtcdEndpoint}, "etcd endpoints")
	f.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	f.Bool("metrics", false, "serve Prometheus metrics")
	f.String("metrics-addr", config.DefaultMetricsAddr, "metrics listen address")

	for key, name := range map[string]string{
		"node_id":         "node-id",
		"cell":            "cell",
		"listen_addr":     "listen",
		"etcd.endpoints":  "etcd-endpoints",
		"log.level":       "log-level",
		"metrics.enabled": "metrics",
		"metrics.addr":    "metrics-addr",
	} {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return err
	}

	srv, err := node.Build(node.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	return node.RunUntilSignal(srv)
}
