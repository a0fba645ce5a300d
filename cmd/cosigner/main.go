package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/intersend/interspace-wallet-core/internal/config"
	"github.com/intersend/interspace-wallet-core/internal/cosigner"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "cosigner",
		Short: "Development cosigner service for the wallet core",
	}
	root.AddCommand(newServeCmd(), newTokenCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cosigner HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultCosignerConfigFromEnv()

			shares, err := keystore.NewSecureStore(cfg.KeystorePath, cfg.KeystorePassphrase)
			if err != nil {
				return err
			}

			var sessions cosigner.SessionStore = cosigner.NewMemoryStore()
			if cfg.RedisAddr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
				})
				sessions = cosigner.NewRedisStore(client, cfg.SessionTTL)
				log.Info().Str("addr", cfg.RedisAddr).Msg("using redis session store")
			}

			service := cosigner.NewService(cosigner.ServiceConfig{SessionTTL: cfg.SessionTTL}, sessions, shares)
			jwtManager := cosigner.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, 24*time.Hour)
			server := cosigner.NewServer(service, jwtManager)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := server.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				log.Info().Msg("shutting down")
				return server.Echo.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newTokenCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultCosignerConfigFromEnv()
			jwtManager := cosigner.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, 24*time.Hour)
			token, err := jwtManager.Generate(deviceID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "dev-device", "device id embedded in the token")
	return cmd
}
