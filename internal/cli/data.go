package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tradegate/internal/broker"
	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// addMarketDataCommands adds quotes, candles and streaming.
func addMarketDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLTPCmd(app))
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newCandlesCmd(app))
	rootCmd.AddCommand(newStreamCmd(app))
}

func newLTPCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ltp <symbol>...",
		Short: "Show last traded prices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, _ := cmd.Flags().GetString("exchange")
			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}

			prices := make(map[string]float64, len(args))
			table := NewTable(output, "SYMBOL", "LTP")
			for _, arg := range args {
				symbol := strings.ToUpper(arg)
				ltp, err := app.Registry.LTP(ctx, app.user, parseExchange(exchange), symbol)
				if err != nil {
					return err
				}
				prices[symbol] = ltp
				table.AddRow(symbol, FormatPrice(ltp))
			}

			if output.IsJSON() {
				return output.JSON(prices)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("exchange", "", "exchange (default from config)")
	return cmd
}

func newQuoteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Show a quote with day range",
		Args:  requireArgs(1, "quote <symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, _ := cmd.Flags().GetString("exchange")
			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}

			q, err := app.Registry.Quote(ctx, app.user, parseExchange(exchange), strings.ToUpper(args[0]))
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(q)
			}
			output.Bold("%s %s", q.Symbol, q.Exchange)
			output.Printf("  LTP:    %s  %s (%s)\n", FormatPrice(q.LTP), output.FormatPnL(q.Change), output.FormatPercent(q.ChangePercent))
			output.Printf("  O/H/L/C: %s / %s / %s / %s\n", FormatPrice(q.Open), FormatPrice(q.High), FormatPrice(q.Low), FormatPrice(q.Close))
			return nil
		},
	}

	cmd.Flags().String("exchange", "", "exchange (default from config)")
	return cmd
}

const dateLayout = "2006-01-02"

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{dateLayout + " 15:04", dateLayout} {
		if t, err := time.ParseInLocation(layout, s, ist); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.NewValidationError("date", s, "expected YYYY-MM-DD or YYYY-MM-DD HH:MM")
}

func newCandlesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candles <symbol>",
		Short: "Show historical candles",
		Example: `  tradegate candles SBIN
  tradegate candles INFY --interval 15-minute --from 2024-05-01 --to 2024-05-03`,
		Args: requireArgs(1, "candles <symbol>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			exchange, _ := cmd.Flags().GetString("exchange")
			interval, _ := cmd.Flags().GetString("interval")
			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			limit, _ := cmd.Flags().GetInt("limit")

			from, err := parseDate(fromStr)
			if err != nil {
				return err
			}
			to, err := parseDate(toStr)
			if err != nil {
				return err
			}

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			candles, err := app.Registry.Candles(ctx, app.user, broker.HistoricalRequest{
				Symbol:   strings.ToUpper(args[0]),
				Exchange: parseExchange(exchange),
				Interval: interval,
				From:     from,
				To:       to,
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(candles) > limit {
				candles = candles[len(candles)-limit:]
			}

			if output.IsJSON() {
				return output.JSON(candles)
			}
			if len(candles) == 0 {
				output.Dim("No candles")
				return nil
			}

			table := NewTable(output, "TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, c := range candles {
				table.AddRow(
					FormatDateTime(c.Timestamp),
					FormatPrice(c.Open),
					FormatPrice(c.High),
					FormatPrice(c.Low),
					FormatPrice(c.Close),
					FormatVolume(c.Volume),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("exchange", "", "exchange (default from config)")
	cmd.Flags().String("interval", "1-day", "candle interval, e.g. 1-minute, 5-minute, 1-hour, 1-day")
	cmd.Flags().String("from", "", "start date (default: configured lookback)")
	cmd.Flags().String("to", "", "end date (default: now)")
	cmd.Flags().Int("limit", 0, "show only the last N candles")
	return cmd
}

func newStreamCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <symbol>...",
		Short: "Stream live ticks until interrupted",
		Example: `  tradegate stream SBIN INFY
  tradegate stream RELIANCE --duration 30s --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			duration, _ := cmd.Flags().GetDuration("duration")
			exchange, _ := cmd.Flags().GetString("exchange")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}

			var mu sync.Mutex
			onTick := func(t models.Tick) {
				mu.Lock()
				defer mu.Unlock()
				if output.IsJSON() {
					output.JSON(t)
					return
				}
				symbol := t.Symbol
				if !t.SymbolResolved {
					symbol = output.DimText(symbol)
				}
				output.Printf("%s  %-12s %10s  %s\n", FormatTime(t.Timestamp), symbol, FormatPrice(t.LTP), output.FormatPercent(t.ChangePercent))
			}
			onError := func(err error) {
				mu.Lock()
				defer mu.Unlock()
				output.Error("Stream error: %v", err)
			}

			if err := app.Registry.OpenStream(ctx, app.user, onTick, onError); err != nil {
				return err
			}
			defer app.Registry.CloseStream(context.Background(), app.user)

			subs := broker.Symbols(args...)
			for i := range subs {
				subs[i].Symbol = strings.ToUpper(subs[i].Symbol)
				subs[i].Exchange = parseExchange(exchange)
			}
			if err := app.Registry.Subscribe(ctx, app.user, subs...); err != nil {
				return err
			}

			if !output.IsJSON() {
				output.Info("Streaming %s (Ctrl+C to stop)", strings.Join(args, ", "))
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().String("exchange", "", "exchange (default from config)")
	cmd.Flags().Duration("duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}
