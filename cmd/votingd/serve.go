package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"secure-voting/api"
	"secure-voting/auditor"
	"secure-voting/blockchain/anchor"
	"secure-voting/config"
	"secure-voting/escrow"
	"secure-voting/registry"
	"secure-voting/service"
	"secure-voting/storage"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the voting API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, errors.Wrap(err, "create database directory")
			}
		}
		return storage.OpenSQLite(cfg.DSN)
	}
	return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
}

// openSubmitter returns the anchor submitter and a cleanup func. The simulated
// ledger mines one block per flush interval so anchors reach confirmation.
func openSubmitter(ctx context.Context, cfg config.AnchorConfig) (anchor.Submitter, func(), error) {
	if cfg.Network == "simulated" {
		sim := anchor.NewSimulatedSubmitter()
		mineCtx, cancel := context.WithCancel(ctx)
		go func() {
			tick := time.NewTicker(cfg.FlushInterval)
			defer tick.Stop()
			for {
				select {
				case <-mineCtx.Done():
					return
				case <-tick.C:
					sim.Mine(1)
				}
			}
		}()
		return sim, cancel, nil
	}
	eth, err := anchor.Dial(ctx, cfg.RPCURL, cfg.PrivateKey, cfg.EthereumConfig())
	if err != nil {
		return nil, nil, err
	}
	return eth, eth.Close, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New("module", "votingd")

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	var snapshots *storage.SnapshotStore
	if cfg.Storage.SnapshotDir != "" {
		if snapshots, err = storage.NewSnapshotStore(cfg.Storage.SnapshotDir, cfg.Storage.SnapshotKeep); err != nil {
			return err
		}
	}

	directory := registry.NewFileDirectory(cfg.MembersFile)
	if err := directory.Load(); err != nil {
		return err
	}
	custodians, err := cfg.Escrow.Parsed()
	if err != nil {
		return err
	}
	signer, err := service.LoadOrGenerateSigner(cfg.SignerKeyFile)
	if err != nil {
		return err
	}

	submitter, closeSubmitter, err := openSubmitter(ctx, cfg.Anchor)
	if err != nil {
		return err
	}
	defer closeSubmitter()

	notifier := service.NewLogNotifier()
	anchors := anchor.NewService(store, submitter, notifier, cfg.Anchor.ServiceConfig())
	esc := escrow.NewService(store, store, cfg.Escrow.ServiceConfig())
	tally := service.NewTallyEngine(store, signer)

	manager, err := service.NewManager(service.Deps{
		Store:       store,
		Escrow:      esc,
		Tally:       tally,
		Anchors:     anchors,
		Eligibility: service.NewEligibilityCalculator(directory, cfg.Eligibility),
		Snapshots:   snapshots,
		Notifier:    notifier,
		Authorizer:  service.NewRoleAuthorizer(directory, nil),
	}, cfg.Session.ManagerConfig())
	if err != nil {
		return err
	}
	aud := auditor.NewService(store, store, store, manager, notifier)
	manager.SetTamperRecorder(aud)

	restored, err := manager.Restore(ctx)
	if err != nil {
		return errors.Wrap(err, "restore sessions")
	}
	logger.Info("Voting daemon starting", "sessions", restored, "signer", tally.SignerAddress(), "network", submitter.Network(), "custodians", len(custodians))

	anchors.Start()
	defer anchors.Stop()

	queue := service.NewCastQueue(manager, cfg.Session.QueueSize, cfg.Session.QueueWorkers)
	queue.Start()
	defer queue.Stop()

	go manager.RunMaintenance(ctx, cfg.Session.SnapshotInterval)

	srv := api.NewServer(manager, queue, aud, anchors, api.Config{
		Listen:     cfg.Server.Listen,
		Custodians: custodians,
		Threshold:  cfg.Escrow.Threshold,
	})
	err = srv.Serve(ctx)
	logger.Info("Voting daemon stopped")
	return err
}
