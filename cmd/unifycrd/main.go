// Command unifycrd is a UnifyCR delegator daemon: one process per
// compute node, holding a shard of the distributed extent/attribute
// index and serving fsync/read RPCs from the clients and peer
// delegators on its node (spec.md §2-§6). Structured as a single cobra
// root command, in the manner of the teacher repo's phenix sub-tree.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unifycr/unifycr/appconfig"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/config"
	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
	"github.com/unifycr/unifycr/server"
	"github.com/unifycr/unifycr/transport"
)

// dispatchBox lets the transport.Node (which needs a Handler at
// construction time) forward to the ServiceManager built just after it,
// without either package depending on the other's constructor order.
type dispatchBox struct {
	mgr *server.ServiceManager
}

func (d *dispatchBox) handle(req rpc.Envelope) rpc.Envelope { return d.mgr.Dispatch(req) }

func main() {
	v := viper.New()
	v.SetEnvPrefix("unifycr")

	root := &cobra.Command{
		Use:   "unifycrd",
		Short: "UnifyCR delegator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	config.BindFlags(root, v)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	if err := minilog.Init(cfg.LogLevelValue(), cfg.LogFile, cfg.Verbose); err != nil {
		return fmt.Errorf("unifycrd: init logging: %w", err)
	}
	if cfg.SyslogNetwork != "" {
		if err := minilog.AddSyslog(cfg.SyslogNetwork, cfg.SyslogAddr, cfg.SyslogTag, cfg.LogLevelValue()); err != nil {
			return fmt.Errorf("unifycrd: init syslog: %w", err)
		}
	}

	log := minilog.Component("unifycrd")
	log.Info("starting delegator rank=%d listen=%s num_delegators=%d num_kv_servers=%d",
		cfg.Rank, cfg.ListenAddr, cfg.NumDelegators, cfg.NumKVServers)

	if err := os.MkdirAll(cfg.MetaDBPath, 0o755); err != nil {
		return fmt.Errorf("unifycrd: create meta-db-path: %w", err)
	}
	if err := os.MkdirAll(cfg.ExternalSpillDir, 0o755); err != nil {
		return fmt.Errorf("unifycrd: create external-spill-dir: %w", err)
	}

	dbPath := filepath.Join(cfg.MetaDBPath, fmt.Sprintf("%s.%d", cfg.MetaDBName, cfg.Rank))
	store, err := index.Open(dbPath)
	if err != nil {
		return fmt.Errorf("unifycrd: open kv store: %w", err)
	}
	defer store.Close()

	box := &dispatchBox{}
	node, err := transport.NewNode(cfg.Rank, cfg.ListenAddr, cfg.Peers, box.handle)
	if err != nil {
		return fmt.Errorf("unifycrd: start transport: %w", err)
	}
	defer node.Close()

	apps := &appconfig.Registry{}
	ctx := server.NewContext(cfg.Rank, cfg.NumDelegators, cfg.NumKVServers, cfg.SliceWidth(), store, apps, node)
	box.mgr = server.NewServiceManager(ctx)

	log.Info("delegator rank=%d listening on %s", cfg.Rank, node.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("delegator rank=%d shutting down", cfg.Rank)
	return nil
}
