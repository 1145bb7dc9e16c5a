package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tyler-smith/go-bip39"
	"gopkg.in/yaml.v3"

	"sphere-wallet/core"
	"sphere-wallet/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// aggregatorFactory and remoteStoreFactory are the composition root's
// extension points. Both core.Aggregator and core.RemoteStore are external
// SDK collaborators with no concrete implementation in this module; a
// deployment wires its actual aggregator/IPFS-gateway clients in here.
var (
	aggregatorFactory  func(cfg *config.Config, lg *logrus.Logger) (core.Aggregator, error)
	remoteStoreFactory func(cfg *config.Config, lg *logrus.Logger) (core.RemoteStore, error)
)

func main() {
	_ = godotenv.Load(".env")

	var env string
	root := &cobra.Command{
		Use:   "sphere",
		Short: "sphere wallet daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	root.PersistentFlags().StringVar(&env, "env", "", "environment overlay to merge onto cmd/config/default.yaml")
	root.AddCommand(printConfigCmd(&env))
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("sphere: fatal")
	}
}

// printConfigCmd loads the merged configuration and prints it as YAML, for
// operators checking what an --env overlay actually resolves to before
// starting the daemon for real.
func printConfigCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func run(env string) error {
	lg := logrus.StandardLogger()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		lg.SetLevel(lvl)
	}

	seed, err := loadOrCreateSeed(cfg.Identity.SeedFile)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}

	var agg core.Aggregator
	if aggregatorFactory != nil {
		agg, err = aggregatorFactory(cfg, lg)
		if err != nil {
			return fmt.Errorf("build aggregator client: %w", err)
		}
	} else {
		return fmt.Errorf("no aggregator client wired: set aggregatorFactory for endpoint %q before running this binary", cfg.Aggregator.Endpoint)
	}

	var remote core.RemoteStore
	if remoteStoreFactory != nil {
		remote, err = remoteStoreFactory(cfg, lg)
		if err != nil {
			return fmt.Errorf("build remote store client: %w", err)
		}
	} else {
		lg.WithField("gateway", cfg.Remote.GatewayURL).Warn("sphere: no remote store wired, running without IPFS sync")
	}

	sphere, err := core.NewSphere(core.SphereConfig{
		Seed:           seed,
		Aggregator:     agg,
		Remote:         remote,
		LocalDir:       cfg.Storage.LocalDir,
		RegistrySource: &core.FileRegistrySource{Path: cfg.Storage.RegistryPath},
		Logger:         lg,
	})
	if err != nil {
		return fmt.Errorf("construct sphere: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sphere.Ready(ctx, cfg.Transport.RelayURLs); err != nil {
		return fmt.Errorf("sphere ready: %w", err)
	}
	lg.WithField("identity", sphere.Identity().L1Address).Info("sphere: ready")

	<-ctx.Done()
	lg.Info("sphere: shutting down")

	destroyCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sphere.Destroy(destroyCtx)
}

// loadOrCreateSeed reads a BIP-39 mnemonic from path and derives the wallet
// seed from it, generating and persisting a fresh mnemonic on first run so
// the operator has a human-recoverable backup instead of raw key bytes.
func loadOrCreateSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		mnemonic := strings.TrimSpace(string(data))
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, fmt.Errorf("seed file %q does not contain a valid mnemonic", path)
		}
		return bip39.NewSeed(mnemonic, "")[:32], nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}
	if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("persist mnemonic: %w", err)
	}
	return bip39.NewSeed(mnemonic, "")[:32], nil
}
