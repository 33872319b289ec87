package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// addOrderCommands adds the order command group.
func addOrderCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place, change and inspect orders",
	}

	cmd.AddCommand(newOrderPlaceCmd(app))
	cmd.AddCommand(newOrderModifyCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	cmd.AddCommand(newOrderStatusCmd(app))
	cmd.AddCommand(newOrderListCmd(app))

	rootCmd.AddCommand(cmd)
}

func addOrderFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("price", 0, "limit price (implies LIMIT)")
	cmd.Flags().Float64("trigger", 0, "trigger price for stop-loss orders")
	cmd.Flags().String("type", "", "MARKET, LIMIT, STOPLOSS_LIMIT or STOPLOSS_MARKET")
	cmd.Flags().String("product", "", "DELIVERY, INTRADAY, MARGIN or CARRYFORWARD")
	cmd.Flags().String("exchange", "", "exchange (default from config)")
	cmd.Flags().String("variety", "", "NORMAL, STOPLOSS or AMO")
	cmd.Flags().String("duration", "", "DAY or IOC")
	cmd.Flags().String("tag", "", "order tag")
}

// orderParams reads the shared order flags.
func orderParams(cmd *cobra.Command) models.OrderParams {
	price, _ := cmd.Flags().GetFloat64("price")
	trigger, _ := cmd.Flags().GetFloat64("trigger")
	orderType, _ := cmd.Flags().GetString("type")
	product, _ := cmd.Flags().GetString("product")
	exchange, _ := cmd.Flags().GetString("exchange")
	variety, _ := cmd.Flags().GetString("variety")
	duration, _ := cmd.Flags().GetString("duration")
	tag, _ := cmd.Flags().GetString("tag")

	p := models.OrderParams{
		Exchange:     parseExchange(exchange),
		Type:         models.OrderType(strings.ToUpper(orderType)),
		Product:      models.ProductType(strings.ToUpper(product)),
		Variety:      models.Variety(strings.ToUpper(variety)),
		Duration:     models.Duration(strings.ToUpper(duration)),
		Price:        price,
		TriggerPrice: trigger,
		Tag:          tag,
	}
	if p.Type == "" && price > 0 {
		p.Type = models.OrderTypeLimit
	}
	return p
}

func parseQuantity(s string) (int, error) {
	qty, err := strconv.Atoi(s)
	if err != nil || qty <= 0 {
		return 0, errors.NewValidationError("quantity", s, "must be a positive integer")
	}
	return qty, nil
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <buy|sell> <symbol> <quantity>",
		Short: "Place an order",
		Example: `  tradegate order place buy SBIN 10
  tradegate order place sell INFY 5 --price 1500
  tradegate order place buy TCS 1 --product INTRADAY --exchange NSE`,
		Args: requireArgs(3, "order place <buy|sell> <symbol> <quantity>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			params := orderParams(cmd)
			params.Side = models.OrderSide(strings.ToUpper(args[0]))
			if params.Side != models.OrderSideBuy && params.Side != models.OrderSideSell {
				return errors.NewValidationError("side", args[0], "must be buy or sell")
			}
			params.Symbol = strings.ToUpper(args[1])

			qty, err := parseQuantity(args[2])
			if err != nil {
				return err
			}
			params.Quantity = qty

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}

			result, err := app.Registry.PlaceOrder(ctx, app.user, params)
			if err != nil {
				output.Error("Order failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			output.Success("✓ Order placed: %s", result.OrderID)
			if result.Status != "" {
				output.Printf("  Status: %s\n", output.Status(result.Status))
			}
			if result.Message != "" {
				output.Dim("  %s", result.Message)
			}
			return nil
		},
	}

	addOrderFlags(cmd)
	return cmd
}

func newOrderModifyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <order-id> <symbol> <quantity>",
		Short: "Modify an open order",
		Args:  requireArgs(3, "order modify <order-id> <symbol> <quantity>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			params := orderParams(cmd)
			params.Symbol = strings.ToUpper(args[1])
			qty, err := parseQuantity(args[2])
			if err != nil {
				return err
			}
			params.Quantity = qty

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			if err := app.Registry.ModifyOrder(ctx, app.user, args[0], params); err != nil {
				output.Error("Modify failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"order_id": args[0], "modified": true})
			}
			output.Success("✓ Order %s modified", args[0])
			return nil
		},
	}

	addOrderFlags(cmd)
	return cmd
}

func newOrderCancelCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an open order",
		Args:  requireArgs(1, "order cancel <order-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			variety, _ := cmd.Flags().GetString("variety")

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			if err := app.Registry.CancelOrder(ctx, app.user, args[0], models.Variety(strings.ToUpper(variety))); err != nil {
				output.Error("Cancel failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"order_id": args[0], "cancelled": true})
			}
			output.Success("✓ Order %s cancelled", args[0])
			return nil
		},
	}

	cmd.Flags().String("variety", "", "order variety (default NORMAL)")
	return cmd
}

func newOrderStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show one order",
		Args:  requireArgs(1, "order status <order-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			order, err := app.Registry.OrderStatus(ctx, app.user, args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(order)
			}
			renderOrders(output, []models.Order{*order})
			if order.Message != "" {
				output.Dim("  %s", order.Message)
			}
			return nil
		},
	}
}

func newOrderListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"book"},
		Short:   "List today's orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if _, err := app.ensureSession(ctx); err != nil {
				return err
			}
			orders, err := app.Registry.Orders(ctx, app.user)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Dim("No orders")
				return nil
			}
			renderOrders(output, orders)
			return nil
		},
	}
}

func renderOrders(output *Output, orders []models.Order) {
	table := NewTable(output, "ID", "SYMBOL", "SIDE", "QTY", "TYPE", "PRICE", "AVG", "STATUS", "PLACED")
	for _, o := range orders {
		table.AddRow(
			o.ID,
			o.Symbol,
			string(o.Side),
			FormatQuantity(o.Quantity),
			string(o.Type),
			FormatPrice(o.Price),
			FormatPrice(o.AveragePrice),
			output.Status(o.Status),
			FormatDateTime(o.PlacedAt),
		)
	}
	table.Render()
}
