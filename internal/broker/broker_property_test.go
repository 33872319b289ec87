package broker

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradegate/internal/models"
)

// ledgerOp is one generated paper order.
type ledgerOp struct {
	Buy    bool
	Symbol string
	Qty    int
	Price  float64
}

func ledgerOpGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(ledgerOp{}), map[string]gopter.Gen{
		"Buy":    gen.Bool(),
		"Symbol": gen.OneConstOf("TEST", "INFY", "SBIN"),
		"Qty":    gen.IntRange(1, 50),
		"Price":  gen.Float64Range(1.0, 2500.0),
	})
}

func (op ledgerOp) params() models.OrderParams {
	side := models.OrderSideSell
	if op.Buy {
		side = models.OrderSideBuy
	}
	return models.OrderParams{
		Symbol:   op.Symbol,
		Side:     side,
		Quantity: op.Qty,
		Price:    op.Price,
	}
}

// Property: after any sequence of accepted or rejected orders the paper
// ledger keeps available + used == total exactly.
func TestProperty_PaperLedgerBalances(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("available + used == total after every order", prop.ForAll(
		func(ops []ledgerOp) bool {
			p := NewPaperBroker(PaperBrokerConfig{InitialBalance: 100000, Seed: 1})
			ctx := context.Background()

			for _, op := range ops {
				_, _ = p.PlaceOrder(ctx, op.params())

				p.mu.RLock()
				balanced := p.available.Add(p.used).Equal(p.total)
				negative := p.available.IsNegative() || p.used.IsNegative()
				p.mu.RUnlock()

				if !balanced || negative {
					return false
				}
			}
			return true
		},
		gen.SliceOf(ledgerOpGen()),
	))

	properties.TestingRun(t)
}

// Property: a rejected order leaves funds, positions and the order book
// exactly as they were.
func TestProperty_RejectedOrderLeavesStateUnchanged(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("rejected orders do not mutate the ledger", prop.ForAll(
		func(ops []ledgerOp) bool {
			p := NewPaperBroker(PaperBrokerConfig{InitialBalance: 20000, Seed: 1})
			ctx := context.Background()

			for _, op := range ops {
				funds, _ := p.Funds(ctx)
				positions, _ := p.Positions(ctx)
				orders, _ := p.ListOrders(ctx)

				if _, err := p.PlaceOrder(ctx, op.params()); err == nil {
					continue
				}

				fundsAfter, _ := p.Funds(ctx)
				positionsAfter, _ := p.Positions(ctx)
				ordersAfter, _ := p.ListOrders(ctx)

				if *funds != *fundsAfter || len(orders) != len(ordersAfter) || len(positions) != len(positionsAfter) {
					return false
				}
				for i := range positions {
					if positions[i].Symbol != positionsAfter[i].Symbol || positions[i].Quantity != positionsAfter[i].Quantity {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(ledgerOpGen()),
	))

	properties.TestingRun(t)
}

// Property: synthesized base prices stay within [100, 5100) and prices stay
// within the configured volatility band.
func TestProperty_SynthesizedPricesInRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	synth := NewPriceSynth(0.01, 42)

	properties.Property("price within volatility band of base", prop.ForAll(
		func(symbol string) bool {
			base := BasePrice(symbol)
			if base < 100 || base >= 5100 {
				return false
			}
			price := synth.Price(symbol)
			return price >= roundPaise(base*0.99)-0.01 && price <= roundPaise(base*1.01)+0.01
		},
		gen.AlphaString(),
	))

	properties.Property("perturb stays within max move", prop.ForAll(
		func(last float64) bool {
			next := synth.Perturb(last, 0.005)
			return next >= last*0.995-0.01 && next <= last*1.005+0.01
		},
		gen.Float64Range(1, 10000),
	))

	properties.TestingRun(t)
}
