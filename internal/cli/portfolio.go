package cli

import (
	"github.com/spf13/cobra"
)

// addPortfolioCommands adds positions, holdings and funds.
func addPortfolioCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newFundsCmd(app))
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			positions, err := app.Registry.Positions(ctx, app.user)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}

			var total float64
			table := NewTable(output, "SYMBOL", "EXCH", "PRODUCT", "QTY", "AVG", "LTP", "P&L", "%")
			for _, p := range positions {
				total += p.PnL
				table.AddRow(
					p.Symbol,
					string(p.Exchange),
					string(p.Product),
					FormatQuantity(p.Quantity),
					FormatPrice(p.AveragePrice),
					FormatPrice(p.LTP),
					output.FormatPnL(p.PnL),
					output.FormatPercent(p.PnLPercent),
				)
			}
			table.Render()
			output.Println()
			output.Printf("Total P&L: %s\n", output.FormatPnL(total))
			return nil
		},
	}
}

func newHoldingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "holdings",
		Short: "Show delivery holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			holdings, err := app.Registry.Holdings(ctx, app.user)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(holdings)
			}
			if len(holdings) == 0 {
				output.Dim("No holdings")
				return nil
			}

			var invested, current float64
			table := NewTable(output, "SYMBOL", "QTY", "AVG", "LTP", "INVESTED", "CURRENT", "P&L")
			for _, h := range holdings {
				invested += h.InvestedValue
				current += h.CurrentValue
				table.AddRow(
					h.Symbol,
					FormatQuantity(h.Quantity),
					FormatPrice(h.AveragePrice),
					FormatPrice(h.LTP),
					FormatIndianCurrency(h.InvestedValue),
					FormatIndianCurrency(h.CurrentValue),
					output.FormatPnL(h.PnL),
				)
			}
			table.Render()
			output.Println()
			output.Printf("Invested: %s  Current: %s  P&L: %s\n",
				FormatIndianCurrency(invested), FormatIndianCurrency(current), output.FormatPnL(current-invested))
			return nil
		},
	}
}

func newFundsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "funds",
		Aliases: []string{"balance"},
		Short:   "Show available, used and total funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			funds, err := app.Registry.Funds(ctx, app.user)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(funds)
			}
			output.Bold("Funds (%s)", app.user)
			output.Printf("  Available:   %s\n", FormatIndianCurrency(funds.Available))
			output.Printf("  Used margin: %s\n", FormatIndianCurrency(funds.UsedMargin))
			output.Printf("  Total:       %s\n", FormatIndianCurrency(funds.Total))
			return nil
		},
	}
}
