package cli

import (
	"time"

	"github.com/spf13/cobra"

	"tradegate/internal/broker"
	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/models"
	"tradegate/internal/session"
)

// addAuthCommands adds session lifecycle commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newRefreshCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a broker session for the user",
		Long: `Open a broker session for the user.

Live logins use the client code, password and TOTP secret from
credentials.toml (or the ANGEL_* environment variables) unless flags
override them. The issued tokens are saved to the token store.

Paper logins start a fresh simulated ledger.`,
		Example: `  tradegate login
  tradegate login --user alice --totp 123456
  tradegate login --url                     # print the publisher login page
  tradegate login --callback '<redirect url>'
  tradegate login --broker paper --balance 500000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if printURL, _ := cmd.Flags().GetBool("url"); printURL {
				return printLoginURL(app, output)
			}
			if callback, _ := cmd.Flags().GetString("callback"); callback != "" {
				return completeCallback(cmd, app, output, callback)
			}

			creds := models.Credentials{}
			switch app.kind {
			case models.BrokerLive:
				angel := app.Config.Credentials.Angel
				creds.ClientCode = flagOr(cmd, "client-code", angel.ClientCode)
				creds.Password = flagOr(cmd, "password", angel.Password)
				creds.TOTPSecret = flagOr(cmd, "totp-secret", angel.TOTPSecret)
				creds.TOTP, _ = cmd.Flags().GetString("totp")
			case models.BrokerPaper:
				creds.InitialBalance = app.Config.Paper.InitialBalance
				if cmd.Flags().Changed("balance") {
					creds.InitialBalance, _ = cmd.Flags().GetFloat64("balance")
				}
			}

			s, err := app.Registry.Connect(ctx, app.user, app.kind, creds)
			if err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			return showSession(output, s)
		},
	}

	cmd.Flags().String("client-code", "", "broker client code")
	cmd.Flags().String("password", "", "broker password or PIN")
	cmd.Flags().String("totp", "", "current one-time code")
	cmd.Flags().String("totp-secret", "", "TOTP secret used to generate the code")
	cmd.Flags().Float64("balance", 0, "initial paper balance")
	cmd.Flags().Bool("url", false, "print the publisher login URL and exit")
	cmd.Flags().String("callback", "", "complete login from a publisher redirect URL")

	return cmd
}

func flagOr(cmd *cobra.Command, name, fallback string) string {
	if v, _ := cmd.Flags().GetString(name); v != "" {
		return v
	}
	return fallback
}

func printLoginURL(app *App, output *Output) error {
	a := broker.NewAngelBroker(session.AngelConfig(app.Config, *app.Logger))
	loginURL, err := a.LoginURL()
	if err != nil {
		output.Error("Cannot build login URL: %v", err)
		return err
	}

	if output.IsJSON() {
		return output.JSON(map[string]string{"login_url": loginURL})
	}
	output.Bold("Login URL:")
	output.Println(loginURL)
	output.Dim("After logging in, run: tradegate login --callback '<redirect url>'")
	return nil
}

func completeCallback(cmd *cobra.Command, app *App, output *Output, callback string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a := broker.NewAngelBroker(session.AngelConfig(app.Config, *app.Logger))
	if err := a.HandleCallback(ctx, callback); err != nil {
		output.Error("Login failed: %v", err)
		return err
	}

	tokens := a.Tokens()
	if tokens.ClientCode == "" {
		tokens.ClientCode = app.Config.Credentials.Angel.ClientCode
	}

	s, err := app.Registry.Restore(ctx, app.user, models.BrokerLive, tokens)
	if err != nil {
		return err
	}
	app.saveTokens(app.user, models.BrokerLive, tokens)

	return showSession(output, s)
}

func showSession(output *Output, s *session.Session) error {
	tokens := s.Broker.Tokens()

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"user":             s.UserID,
			"broker":           s.Kind,
			"adapter":          s.Broker.Name(),
			"authenticated":    s.Authenticated(),
			"client_code":      tokens.ClientCode,
			"authenticated_at": s.AuthenticatedAt(),
		})
	}

	output.Success("✓ Logged in as %s (%s)", s.UserID, s.Broker.Name())
	if tokens.ClientCode != "" {
		output.Printf("  Client code: %s\n", tokens.ClientCode)
	}
	if !tokens.IsZero() {
		output.Printf("  Token:       %s\n", logging.MaskToken(tokens.JWT))
	}
	if s.Kind == models.BrokerPaper {
		output.Dim("  Paper ledgers live for the current process only.")
	}
	return nil
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the user's stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil && !errors.Is(err, errors.ErrNotAuthenticated) {
				app.Logger.Debug().Err(err).Msg("No session to log out")
			}
			if err := app.Registry.Disconnect(ctx, app.user); err != nil {
				return err
			}
			if app.Store != nil {
				if err := app.Store.Delete(ctx, app.user, app.kind); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"user": app.user, "logged_out": true})
			}
			output.Success("✓ Logged out %s", app.user)
			return nil
		},
	}
}

func newRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			if err := app.Registry.Refresh(ctx, app.user); err != nil {
				output.Error("Refresh failed: %v", err)
				return err
			}

			s, err := app.Registry.Session(app.user)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"user": app.user, "refreshed_at": s.AuthenticatedAt()})
			}
			output.Success("✓ Tokens refreshed for %s", app.user)
			return nil
		},
	}
}

type storedSession struct {
	User      string            `json:"user"`
	Broker    models.BrokerKind `json:"broker"`
	Client    string            `json:"client_code,omitempty"`
	Encrypted bool              `json:"encrypted"`
	IssuedAt  time.Time         `json:"issued_at"`
	Age       string            `json:"age"`
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if app.Store == nil {
				output.Warning("Token store is not available")
				return nil
			}

			records, err := app.Store.List(ctx)
			if err != nil {
				return err
			}

			sessions := make([]storedSession, 0, len(records))
			for _, r := range records {
				sessions = append(sessions, storedSession{
					User:      r.UserID,
					Broker:    r.Kind,
					Client:    r.ClientCode,
					Encrypted: r.Encrypted,
					IssuedAt:  r.IssuedAt,
					Age:       time.Since(r.IssuedAt).Round(time.Minute).String(),
				})
			}

			if output.IsJSON() {
				return output.JSON(sessions)
			}
			if len(sessions) == 0 {
				output.Dim("No stored sessions")
				return nil
			}

			refreshAfter := app.Config.Session.RefreshAfter
			table := NewTable(output, "USER", "BROKER", "CLIENT", "ISSUED", "AGE", "")
			for i, s := range sessions {
				note := ""
				if refreshAfter > 0 && time.Since(records[i].IssuedAt) >= refreshAfter {
					note = output.Yellow("refresh due")
				}
				table.AddRow(s.User, string(s.Broker), s.Client, FormatDateTime(s.IssuedAt), s.Age, note)
			}
			table.Render()
			output.Println()
			output.Dim("%d stored session(s)", len(sessions))
			return nil
		},
	}
}
