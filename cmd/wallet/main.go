package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/intersend/interspace-wallet-core/internal/config"
	"github.com/intersend/interspace-wallet-core/internal/wallet/biometric"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/orchestrator"
	"github.com/intersend/interspace-wallet-core/internal/wallet/session"
	"github.com/intersend/interspace-wallet-core/internal/wallet/transport"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "wallet",
		Short: "Threshold-signature wallet core CLI",
	}
	root.AddCommand(
		newGenerateCmd(),
		newSignCmd(),
		newRotateCmd(),
		newBackupCmd(),
		newExportCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// terminalProver substitutes for a device biometric prompt on the CLI: the
// operator confirms by typing yes.
func terminalProver(ctx context.Context, reason string) error {
	fmt.Printf("confirm: %s [y/N] ", reason)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		return fmt.Errorf("declined by operator")
	}
	return nil
}

// buildOrchestrator wires the full wallet stack from environment config.
func buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, func(), error) {
	cfg := config.DefaultWalletConfigFromEnv()

	store, err := keystore.NewSecureStore(cfg.KeystorePath, cfg.KeystorePassphrase)
	if err != nil {
		return nil, nil, err
	}

	backend := transport.NewBackend(cfg.CosignerBaseURL, cfg.AuthToken, cfg.RequestTimeout)

	var tr transport.Transport
	switch cfg.Transport {
	case config.TransportChannel:
		tr = transport.NewChannel(transport.ChannelConfig{
			URL:                  cfg.ChannelURL,
			AuthToken:            cfg.AuthToken,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			RequestTimeout:       cfg.RequestTimeout,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		})
	default:
		tr = transport.NewPolling(backend, transport.PollingConfig{
			Interval:    cfg.PollInterval,
			MaxDuration: cfg.MaxPollDuration,
		})
	}
	if err := tr.Connect(ctx); err != nil {
		return nil, nil, err
	}

	coord := session.NewCoordinator(tr, session.CoordinatorConfig{
		TTL:       cfg.SessionTTL,
		MaxRounds: cfg.MaxSignRounds,
	})
	gate := biometric.NewGate(biometric.ProverFunc(terminalProver), cfg.BiometricWindow)

	orch := orchestrator.New(gate, store, coord, backend)
	cleanup := func() {
		if err := tr.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("disconnect transport")
		}
	}
	return orch, cleanup, nil
}

func newGenerateCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "generate <wallet-id>",
		Short: "Generate a new split key for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := orch.Generate(ctx, args[0], keystore.Algorithm(algorithm))
			if err != nil {
				return err
			}
			fmt.Printf("key id:     %s\n", info.KeyID)
			fmt.Printf("algorithm:  %s\n", info.Algorithm)
			fmt.Printf("public key: %s\n", info.PublicKey)
			fmt.Printf("address:    %s\n", info.Address)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(keystore.AlgorithmECDSA), "key algorithm: ecdsa or eddsa")
	return cmd
}

func newSignCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "sign <wallet-id> <message-hash-hex>",
		Short: "Sign a precomputed message hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hash, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
			if err != nil {
				return err
			}
			orch, cleanup, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sig, err := orch.Sign(ctx, args[0], hash, path)
			if err != nil {
				return err
			}
			fmt.Println(sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "optional non-hardened derivation path, e.g. m/0/1")
	return cmd
}

func newRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <wallet-id>",
		Short: "Refresh both key shares without changing the address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := orch.Rotate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("rotation complete")
			return nil
		},
	}
}

func newBackupCmd() *cobra.Command {
	var encryptionKey, label, out string
	cmd := &cobra.Command{
		Use:   "backup <wallet-id>",
		Short: "Create a verifiable encrypted backup of the cosigner share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := orch.Backup(ctx, args[0], encryptionKey, label)
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, data.VerifiableBackup, 0o600); err != nil {
					return err
				}
				fmt.Printf("backup written to %s\n", out)
				return nil
			}
			fmt.Println(hex.EncodeToString(data.VerifiableBackup))
			return nil
		},
	}
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "compressed secp256k1 public key to encrypt the backup to")
	cmd.Flags().StringVar(&label, "label", "", "human-readable backup label")
	cmd.Flags().StringVar(&out, "out", "", "write the backup blob to a file instead of stdout")
	cmd.MarkFlagRequired("encryption-key")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <wallet-id>",
		Short: "Reconstruct and print the full private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			confirm := func(ctx context.Context) bool {
				return terminalProver(ctx, "reveal the full private key on this terminal") == nil
			}
			data, err := orch.Export(ctx, args[0], confirm)
			if err != nil {
				return err
			}
			fmt.Printf("WARNING: %s\n", data.Warning)
			fmt.Printf("address:     %s\n", data.Address)
			fmt.Printf("public key:  %s\n", data.PublicKey)
			fmt.Printf("private key: %s\n", data.PrivateKey)
			return nil
		},
	}
}
