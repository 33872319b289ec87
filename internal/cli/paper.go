package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// addPaperCommands adds the paper trading command group.
func addPaperCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Simulated trading helpers",
	}
	cmd.AddCommand(newPaperDemoCmd(app))
	rootCmd.AddCommand(cmd)
}

type demoStep struct {
	Step      string  `json:"step"`
	OrderID   string  `json:"order_id,omitempty"`
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
	Total     float64 `json:"total"`
	Positions int     `json:"positions"`
	Note      string  `json:"note,omitempty"`
}

func newPaperDemoCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a buy, sell and modify round trip against a paper ledger",
		Long: `Run a round trip against a fresh paper ledger:

  1. connect with the given balance
  2. buy 10 TEST at 200
  3. sell 10 TEST at 250, closing the position
  4. try to modify the filled buy order, which must be rejected

Each step prints the ledger. The command fails if any balance differs
from the expected value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			balance, _ := cmd.Flags().GetFloat64("balance")
			symbol, _ := cmd.Flags().GetString("symbol")
			reg := app.Registry
			user := app.user

			if _, err := reg.Connect(ctx, user, models.BrokerPaper, models.Credentials{InitialBalance: balance}); err != nil {
				return err
			}

			var steps []demoStep
			record := func(step, orderID, note string) error {
				funds, err := reg.Funds(ctx, user)
				if err != nil {
					return err
				}
				positions, err := reg.Positions(ctx, user)
				if err != nil {
					return err
				}
				steps = append(steps, demoStep{
					Step:      step,
					OrderID:   orderID,
					Available: funds.Available,
					Used:      funds.UsedMargin,
					Total:     funds.Total,
					Positions: len(positions),
					Note:      note,
				})
				return nil
			}

			if err := record("connect", "", ""); err != nil {
				return err
			}

			buy, err := reg.PlaceOrder(ctx, user, models.OrderParams{
				Symbol:   symbol,
				Side:     models.OrderSideBuy,
				Type:     models.OrderTypeLimit,
				Quantity: 10,
				Price:    200,
			})
			if err != nil {
				return err
			}
			if err := record("buy 10 @ 200", buy.OrderID, ""); err != nil {
				return err
			}

			sell, err := reg.PlaceOrder(ctx, user, models.OrderParams{
				Symbol:   symbol,
				Side:     models.OrderSideSell,
				Type:     models.OrderTypeLimit,
				Quantity: 10,
				Price:    250,
			})
			if err != nil {
				return err
			}
			if err := record("sell 10 @ 250", sell.OrderID, ""); err != nil {
				return err
			}

			modifyErr := reg.ModifyOrder(ctx, user, buy.OrderID, models.OrderParams{Symbol: symbol, Quantity: 5, Price: 190})
			if modifyErr == nil || !errors.Is(modifyErr, errors.ErrOrderCompleted) {
				return fmt.Errorf("modify of filled order: got %v, want rejection", modifyErr)
			}
			if err := record("modify filled buy", buy.OrderID, modifyErr.Error()); err != nil {
				return err
			}

			if err := checkDemo(steps, balance); err != nil {
				output.Error("%v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(steps)
			}

			table := NewTable(output, "STEP", "ORDER", "AVAILABLE", "USED", "TOTAL", "POSITIONS")
			for _, s := range steps {
				table.AddRow(s.Step, s.OrderID, FormatIndianCurrency(s.Available), FormatIndianCurrency(s.Used),
					FormatIndianCurrency(s.Total), fmt.Sprintf("%d", s.Positions))
			}
			table.Render()
			output.Println()
			output.Dim("Modify rejected: %s", modifyErr)
			output.Success("✓ Paper round trip matches the expected ledger")
			return nil
		},
	}

	cmd.Flags().Float64("balance", 100000, "initial paper balance")
	cmd.Flags().String("symbol", "TEST", "symbol to trade")
	return cmd
}

// checkDemo verifies the ledger after each step of the round trip.
func checkDemo(steps []demoStep, balance float64) error {
	want := []struct{ available, used float64 }{
		{balance, 0},
		{balance - 2000, 2000},
		{balance + 500, 0},
		{balance + 500, 0},
	}
	if len(steps) != len(want) {
		return fmt.Errorf("ran %d steps, want %d", len(steps), len(want))
	}

	for i, w := range want {
		s := steps[i]
		if s.Available != w.available || s.Used != w.used || s.Total != s.Available+s.Used {
			return fmt.Errorf("after %q: available %.2f used %.2f total %.2f, want available %.2f used %.2f",
				s.Step, s.Available, s.Used, s.Total, w.available, w.used)
		}
	}
	if steps[2].Positions != 0 {
		return fmt.Errorf("position still open after closing sell")
	}
	return nil
}
