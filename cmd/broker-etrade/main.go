package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/kpopdotlink/broker-etrade/internal/config"
	"github.com/kpopdotlink/broker-etrade/pkg/etrade"
	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
	"github.com/kpopdotlink/broker-etrade/pkg/models"
	"github.com/kpopdotlink/broker-etrade/pkg/oauth"
	"github.com/kpopdotlink/broker-etrade/pkg/plugin"
	"github.com/kpopdotlink/broker-etrade/pkg/secrets"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "broker-etrade",
		Short: "E*TRADE broker adapter",
		Long:  `Standalone runner for the E*TRADE broker adapter: OAuth authorization, account and position queries, and order placement against the sandbox or production API`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(positionsCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(revokeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger, and wires the plugin
// with a net/http network function and the configured token storage.
func setup(ctx context.Context) (*plugin.Plugin, oauth.Credentials, func()) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	creds := oauth.Credentials{
		ConsumerKey:    cfg.ETrade.ConsumerKey,
		ConsumerSecret: cfg.ETrade.ConsumerSecret,
	}

	var storage oauth.Storage
	cleanup := func() {}
	if cfg.GCP.UseSecrets && cfg.GCP.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.GCP.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCP.CredentialsFile))
		}
		store, err := secrets.NewGCPStore(ctx, cfg.GCP.ProjectID, cfg.GCP.SecretNames, logger, opts...)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Secret Manager store")
		}
		creds = store.ConsumerCredentials(ctx, creds)
		storage = store
		cleanup = func() { store.Close() }
	} else {
		logger.Warn("No Secret Manager configured; access tokens will not survive restarts")
		storage = &oauth.MemoryStorage{}
	}

	p := plugin.New(plugin.Options{
		Environment: cfg.Environment(),
		Network:     hostio.NetHTTP(time.Duration(cfg.ETrade.TimeoutSeconds) * time.Second),
		Storage:     storage,
		Retry: etrade.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BaseDelay:         cfg.Retry.BaseDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			RateLimitDelay:    cfg.Retry.RateLimitDelay,
			RateLimitAttempts: cfg.Retry.RateLimitAttempts,
		},
		RequestsPerSec: cfg.ETrade.RequestsPerSec,
		Logger:         logger,
	})
	return p, creds, cleanup
}

// initialize runs the idempotent fast path and, when authorization is
// required, walks the user through the browser step.
func initialize(ctx context.Context, p *plugin.Plugin, creds oauth.Credentials) error {
	result, err := p.Initialize(ctx, creds)
	if err != nil {
		return err
	}
	if result.AuthorizationURL == "" {
		return nil
	}

	fmt.Println("Open this URL in your browser and authorize the application:")
	fmt.Println()
	fmt.Println("  " + result.AuthorizationURL)
	fmt.Println()
	fmt.Print("Enter the verification code: ")

	reader := bufio.NewReader(os.Stdin)
	verifier, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading verification code: %w", err)
	}
	return p.CompleteAuthorization(ctx, strings.TrimSpace(verifier))
}

func authorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize",
		Short: "Run the OAuth authorization handshake",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			p, creds, cleanup := setup(ctx)
			defer cleanup()

			if err := initialize(ctx, p, creds); err != nil {
				logger.WithError(err).Fatal("Authorization failed")
			}
			fmt.Println("Authorized.")
		},
	}
}

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts with balances",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			p, creds, cleanup := setup(ctx)
			defer cleanup()

			if err := initialize(ctx, p, creds); err != nil {
				logger.WithError(err).Fatal("Initialization failed")
			}
			accounts, err := p.GetAccounts(ctx)
			if err != nil {
				logger.WithError(err).Fatal("Failed to fetch accounts")
			}
			for _, a := range accounts {
				fmt.Printf("%s  %-30s equity=%.2f cash=%.2f buying_power=%.2f\n",
					a.ID, a.Name, a.Balance.TotalEquity, a.Balance.AvailableCash, a.Balance.BuyingPower)
			}
		},
	}
}

func positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions <account-id-key>",
		Short: "List positions for an account",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			p, creds, cleanup := setup(ctx)
			defer cleanup()

			if err := initialize(ctx, p, creds); err != nil {
				logger.WithError(err).Fatal("Initialization failed")
			}
			positions, err := p.GetPositions(ctx, args[0])
			if err != nil {
				logger.WithError(err).Fatal("Failed to fetch positions")
			}
			for _, pos := range positions {
				fmt.Printf("%-8s qty=%+.2f cost=%.2f price=%.2f value=%.2f pnl=%+.2f\n",
					pos.Symbol, pos.Quantity, pos.CostPerShare, pos.CurrentPrice, pos.MarketValue, pos.UnrealizedPL)
			}
		},
	}
}

func orderCmd() *cobra.Command {
	var (
		account  string
		symbol   string
		side     string
		typ      string
		quantity float64
		price    float64
	)
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place an equity order",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			p, creds, cleanup := setup(ctx)
			defer cleanup()

			if err := initialize(ctx, p, creds); err != nil {
				logger.WithError(err).Fatal("Initialization failed")
			}

			order := models.Order{
				Symbol:   strings.ToUpper(symbol),
				Side:     models.OrderSide(strings.ToLower(side)),
				Type:     models.OrderType(strings.ToLower(typ)),
				Quantity: quantity,
			}
			if cmd.Flags().Changed("price") {
				order.LimitPrice = &price
			}

			result, err := p.SubmitOrder(ctx, account, order)
			if err != nil {
				logger.WithError(err).Fatal("Order submission failed")
			}
			if result.Accepted {
				fmt.Printf("Order accepted: id=%s\n", result.OrderID)
			} else {
				fmt.Printf("Order rejected: %s\n", result.Reason)
			}
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id key")
	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument symbol")
	cmd.Flags().StringVar(&side, "side", "buy", "order side: buy or sell")
	cmd.Flags().StringVar(&typ, "type", "market", "order type: market or limit")
	cmd.Flags().Float64Var(&quantity, "qty", 0, "share quantity")
	cmd.Flags().Float64Var(&price, "price", 0, "limit price (limit orders only)")
	cmd.MarkFlagRequired("account")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("qty")
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the access token",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			p, creds, cleanup := setup(ctx)
			defer cleanup()

			if err := initialize(ctx, p, creds); err != nil {
				logger.WithError(err).Fatal("Initialization failed")
			}
			if err := p.RevokeAccessToken(ctx); err != nil {
				logger.WithError(err).Fatal("Failed to revoke access token")
			}
			fmt.Println("Access token revoked.")
		},
	}
}
