// Command checker runs one protocol checkpoint against a remote peer:
// it acts as a reference peer, observes protocol events, and exits 0
// when the checkpoint's criteria are satisfied.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"p2p_checkpoint/pkg/checkpoint"
	"p2p_checkpoint/pkg/config"
	"p2p_checkpoint/pkg/identity"
	"p2p_checkpoint/pkg/p2p"
	"p2p_checkpoint/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logCfg := utils.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.OutputPath = cfg.LogPath
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	criteria, err := checkpoint.Lookup(cfg.Checkpoint, checkpoint.CatalogOptions{
		Timeout:       cfg.Timeout,
		ExpectedAgent: cfg.ExpectedAgent,
	})
	if err != nil {
		logger.Error("Unknown checkpoint", zap.Error(err))
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	id, err := identity.Load(cfg.KeyFile)
	if err != nil {
		logger.Error("Failed to load identity", zap.Error(err))
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	logger.Info("Identity loaded", zap.String("peerID", id.PeerID.String()))

	ctx := context.Background()

	node, err := p2p.NewNode(ctx, id, cfg.BootstrapPeers, logger)
	if err != nil {
		logger.Error("Failed to create node", zap.Error(err))
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	defer node.Close()

	reporter := checkpoint.NewLineReporter(os.Stdout)
	mux := checkpoint.NewMux(node.Events(), cfg.TickInterval)
	defer mux.Close()

	orch := checkpoint.New(node, criteria, reporter, cfg, logger)
	verdict, err := orch.Run(ctx, mux)
	if err != nil {
		logger.Error("Run aborted", zap.Error(err))
		return 1
	}

	if verdict.Kind == checkpoint.VerdictPassed {
		return 0
	}
	return 1
}
