// Package cli provides the command-line interface for the trading gateway.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradegate/internal/config"
	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/models"
	"tradegate/internal/session"
	"tradegate/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies. Fields left nil are built from
// configuration when the first command runs.
type App struct {
	Config   *config.Config
	Logger   *zerolog.Logger
	Registry *session.Registry
	Store    store.TokenStore

	user string
	kind models.BrokerKind
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&App{})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradegate",
		Short: "Multi-user broker gateway for Indian equity markets",
		Long: `tradegate routes orders, portfolio queries and market data for each user
to their own broker session: a live SmartAPI account or a paper ledger.

Live tokens are kept in a local SQLite store so later commands reuse the
session without logging in again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			app.shutdown()
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradegate)")
	rootCmd.PersistentFlags().StringP("user", "u", "default", "user identity the session belongs to")
	rootCmd.PersistentFlags().StringP("broker", "b", "", "broker kind: live or paper (default from config)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	addAuthCommands(rootCmd, app)
	addOrderCommands(rootCmd, app)
	addPortfolioCommands(rootCmd, app)
	addMarketDataCommands(rootCmd, app)
	addPaperCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("tradegate v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

// init wires configuration, logging, the token store and the registry.
func (app *App) init(cmd *cobra.Command) error {
	if app.Config == nil {
		dir, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		app.Config = cfg
	}

	if app.Logger == nil {
		logger := logging.NewLoggerWithConfig(app.Config.Logging)
		app.Logger = &logger
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logger := app.Logger.Level(zerolog.DebugLevel)
		app.Logger = &logger
	}
	logger := *app.Logger

	app.user, _ = cmd.Flags().GetString("user")
	app.user = strings.TrimSpace(app.user)
	if app.user == "" {
		return errors.NewValidationError("user", app.user, "is required")
	}

	app.kind = app.Config.DefaultBrokerKind()
	if name, _ := cmd.Flags().GetString("broker"); name != "" {
		kind, err := models.ParseBrokerKind(name)
		if err != nil {
			return err
		}
		app.kind = kind
	}

	if app.Store == nil && app.Config.Store.Path != "" {
		opts := []store.Option{store.WithLogger(logger)}
		if app.Config.Store.Encrypt {
			if app.Config.Store.Key == "" {
				logger.Warn().Msg("TRADEGATE_STORE_KEY not set, session tokens are stored unencrypted")
			} else {
				opts = append(opts, store.WithPassphrase(app.Config.Store.Key))
			}
		}

		s, err := store.NewSQLiteStore(app.Config.Store.Path, opts...)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to open token store, sessions will not persist")
		} else {
			app.Store = s
			logger.Debug().Str("path", app.Config.Store.Path).Msg("Token store opened")
		}
	}

	if app.Registry == nil {
		app.Registry = session.NewRegistry(
			session.NewFactory(app.Config, logger),
			session.WithLogger(logger),
			session.WithRefreshAfter(app.Config.Session.RefreshAfter),
		)
	}
	app.Registry.OnTokens(app.saveTokens)

	return nil
}

// saveTokens persists tokens handed out by the registry.
func (app *App) saveTokens(userID string, kind models.BrokerKind, tokens models.Tokens) {
	if app.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.Store.Save(ctx, userID, kind, tokens); err != nil {
		app.Logger.Warn().Err(err).Str("user", userID).Msg("Failed to persist session tokens")
	}
}

// shutdown closes open streams and the store. Sessions stay logged in so
// stored tokens remain valid for the next command.
func (app *App) shutdown() {
	if app.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, u := range app.Registry.Users() {
			if err := app.Registry.CloseStream(ctx, u); err != nil && !errors.Is(err, errors.ErrNotImplemented) {
				app.Logger.Debug().Err(err).Str("user", u).Msg("Closing stream failed")
			}
		}
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Debug().Err(err).Msg("Closing token store failed")
		}
		app.Store = nil
	}
}

// ensureSession returns a session for the selected user, restoring live
// tokens from the store or connecting a fresh paper ledger.
func (app *App) ensureSession(ctx context.Context) (*session.Session, error) {
	if s, err := app.Registry.Session(app.user); err == nil && s.Kind == app.kind {
		return s, nil
	}

	switch app.kind {
	case models.BrokerPaper:
		return app.Registry.Connect(ctx, app.user, models.BrokerPaper, models.Credentials{
			InitialBalance: app.Config.Paper.InitialBalance,
		})
	case models.BrokerLive:
		if app.Store == nil {
			return nil, errors.Wrap(errors.ErrNotAuthenticated, "no token store, run 'tradegate login' in the same process")
		}
		tokens, issuedAt, err := app.Store.Load(ctx, app.user, models.BrokerLive)
		if err != nil {
			if errors.Is(err, errors.ErrTokensNotFound) {
				return nil, errors.Wrapf(errors.ErrNotAuthenticated, "user %q, run 'tradegate login' first", app.user)
			}
			return nil, err
		}
		return app.Registry.RestoreIssued(ctx, app.user, models.BrokerLive, tokens, issuedAt)
	}
	return nil, errors.Wrapf(errors.ErrUnknownBroker, "%q", app.kind)
}

// commandContext bounds a single command.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}

func parseExchange(s string) models.Exchange {
	return models.Exchange(strings.ToUpper(strings.TrimSpace(s)))
}

func requireArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}
}
