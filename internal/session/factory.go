// Package session binds user identities to broker adapters and routes calls
// to them.
package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// Constructor builds a fresh, unauthenticated adapter.
type Constructor func() (broker.Broker, error)

// Factory maps broker kinds onto adapter constructors. The set of kinds is
// fixed when the factory is built.
type Factory struct {
	mu           sync.RWMutex
	constructors map[models.BrokerKind]Constructor
}

// NewFactory registers the live and paper adapters from configuration.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	f := &Factory{constructors: make(map[models.BrokerKind]Constructor)}

	f.Register(models.BrokerLive, func() (broker.Broker, error) {
		return broker.NewAngelBroker(AngelConfig(cfg, logger)), nil
	})
	f.Register(models.BrokerPaper, func() (broker.Broker, error) {
		return broker.NewPaperBroker(broker.PaperBrokerConfig{
			InitialBalance:   cfg.Paper.InitialBalance,
			Volatility:       cfg.Paper.Volatility,
			StreamVolatility: cfg.Paper.StreamVolatility,
			TickInterval:     cfg.Paper.TickInterval,
			Logger:           logger,
		}), nil
	})

	return f
}

// AngelConfig converts application configuration into adapter configuration.
func AngelConfig(cfg *config.Config, logger zerolog.Logger) broker.AngelConfig {
	return broker.AngelConfig{
		APIKey:            cfg.Credentials.Angel.APIKey,
		BaseURL:           cfg.Angel.BaseURL,
		StreamURL:         cfg.Angel.StreamURL,
		LoginURL:          cfg.Angel.LoginURL,
		ClientLocalIP:     cfg.Angel.ClientLocalIP,
		ClientPublicIP:    cfg.Angel.ClientPublicIP,
		MACAddress:        cfg.Angel.MACAddress,
		DefaultExchange:   models.Exchange(cfg.Angel.DefaultExchange),
		HeartbeatInterval: cfg.Angel.HeartbeatInterval,
		HistoryLookback:   cfg.Angel.HistoryLookback,
		Timeout:           cfg.Angel.Timeout,
		BreakerThreshold:  cfg.Angel.BreakerThreshold,
		BreakerCooldown:   cfg.Angel.BreakerCooldown,
		Logger:            logger,
	}
}

// Register adds or replaces the constructor for a kind.
func (f *Factory) Register(kind models.BrokerKind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = c
}

// New builds an adapter of the given kind.
func (f *Factory) New(kind models.BrokerKind) (broker.Broker, error) {
	f.mu.RLock()
	c, ok := f.constructors[kind]
	f.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownBroker, "%q", kind)
	}
	return c()
}

// Kinds lists the registered broker kinds.
func (f *Factory) Kinds() []models.BrokerKind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]models.BrokerKind, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
