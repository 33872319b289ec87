package models

import "time"

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOPLOSS_LIMIT"
	OrderTypeStopLossMkt   OrderType = "STOPLOSS_MARKET"
)

// ProductType represents the settlement category of an order.
type ProductType string

const (
	ProductDelivery     ProductType = "DELIVERY"
	ProductIntraday     ProductType = "INTRADAY"
	ProductMargin       ProductType = "MARGIN"
	ProductCarryForward ProductType = "CARRYFORWARD"
)

// Variety represents the order variety.
type Variety string

const (
	VarietyNormal   Variety = "NORMAL"
	VarietyStopLoss Variety = "STOPLOSS"
	VarietyAMO      Variety = "AMO"
)

// Duration is the order validity.
type Duration string

const (
	DurationDay Duration = "DAY"
	DurationIOC Duration = "IOC"
)

// Paper order statuses.
const (
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
)

// OrderParams holds caller supplied order fields. Zero values fall back to
// adapter defaults.
type OrderParams struct {
	Symbol       string
	Token        string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Variety      Variety
	Duration     Duration
	Quantity     int
	Price        float64
	TriggerPrice float64
	Tag          string
}

// Order represents a trading order.
type Order struct {
	ID           string
	Symbol       string
	Token        string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Variety      Variety
	Duration     Duration
	Quantity     int
	Price        float64
	TriggerPrice float64
	Status       string
	FilledQty    int
	AveragePrice float64
	Message      string
	Tag          string
	PlacedAt     time.Time
	UpdatedAt    time.Time
}

// Position represents an open trading position.
type Position struct {
	Symbol       string
	Exchange     Exchange
	Product      ProductType
	Quantity     int
	AveragePrice float64
	LTP          float64
	PnL          float64
	PnLPercent   float64
	Value        float64
}

// Holding represents a delivery holding.
type Holding struct {
	Symbol        string
	Exchange      Exchange
	Quantity      int
	AveragePrice  float64
	LTP           float64
	PnL           float64
	PnLPercent    float64
	InvestedValue float64
	CurrentValue  float64
}

// Funds represents the account's cash position.
type Funds struct {
	Available  float64
	UsedMargin float64
	Total      float64
}
