// Package models provides domain models for the trading gateway.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// BrokerKind identifies one of the supported broker implementations.
type BrokerKind string

const (
	BrokerLive  BrokerKind = "live"
	BrokerPaper BrokerKind = "paper"
)

// BrokerKinds lists every supported broker kind.
var BrokerKinds = []BrokerKind{BrokerLive, BrokerPaper}

// ParseBrokerKind maps a user supplied broker name onto a BrokerKind.
func ParseBrokerKind(s string) (BrokerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "angel", "angelone", "smartapi":
		return BrokerLive, nil
	case "paper", "simulated", "sim":
		return BrokerPaper, nil
	default:
		return "", fmt.Errorf("unknown broker kind: %q", s)
	}
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Tick is the normalized real-time update delivered to stream callbacks.
// Symbol, LTP and ChangePercent are always populated; when the broker token
// could not be mapped back to a trading symbol, Symbol carries the raw token
// and SymbolResolved is false.
type Tick struct {
	Symbol         string    `json:"symbol"`
	Token          string    `json:"token"`
	Exchange       Exchange  `json:"exchange"`
	LTP            float64   `json:"ltp"`
	ChangePercent  float64   `json:"change_percent"`
	Open           float64   `json:"open"`
	High           float64   `json:"high"`
	Low            float64   `json:"low"`
	Close          float64   `json:"close"`
	Volume         int64     `json:"volume"`
	SymbolResolved bool      `json:"symbol_resolved"`
	Timestamp      time.Time `json:"timestamp"`
}

// Quote represents a market quote.
type Quote struct {
	Symbol        string
	Exchange      Exchange
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Change        float64
	ChangePercent float64
	Timestamp     time.Time
}

// Instrument represents a tradeable instrument as known to a broker.
type Instrument struct {
	Token    string
	Symbol   string
	Name     string
	Exchange Exchange
}

// Subscription names an instrument to stream. Either Symbol is set and the
// adapter resolves the token, or Token and ExchangeType are already known.
type Subscription struct {
	Symbol       string
	Exchange     Exchange
	Token        string
	ExchangeType int
}

// Resolved reports whether the subscription already carries a broker token.
func (s Subscription) Resolved() bool {
	return s.Token != "" && s.ExchangeType != 0
}

// Tokens is the credential triple issued by a live broker login.
type Tokens struct {
	JWT        string `json:"jwt_token"`
	Refresh    string `json:"refresh_token"`
	Feed       string `json:"feed_token"`
	ClientCode string `json:"client_code"`
}

// IsZero reports whether no primary token is present.
func (t Tokens) IsZero() bool {
	return t.JWT == ""
}

// Complete reports whether all three tokens are present.
func (t Tokens) Complete() bool {
	return t.JWT != "" && t.Refresh != "" && t.Feed != ""
}

// Credentials carries what a broker needs to authenticate a user.
type Credentials struct {
	ClientCode string
	Password   string
	TOTP       string
	// TOTPSecret is used to generate the one-time code when TOTP is empty.
	TOTPSecret string
	// InitialBalance seeds the paper ledger; ignored by live brokers.
	InitialBalance float64
}
