package broker

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// PriceSynth produces plausible prices for symbols without a market feed.
// Prices are derived fresh on every call and never remembered.
type PriceSynth struct {
	volatility float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPriceSynth creates a synthesizer. A zero seed uses the current time.
func NewPriceSynth(volatility float64, seed int64) *PriceSynth {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PriceSynth{
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// BasePrice returns a stable per-symbol price in [100, 5100).
func BasePrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return 100 + float64(h.Sum32()%500000)/100
}

// Price returns the base price moved by up to ±volatility.
func (p *PriceSynth) Price(symbol string) float64 {
	return roundPaise(BasePrice(symbol) * (1 + p.unit()*p.volatility))
}

// Perturb moves last by up to ±maxMove (a fraction of last).
func (p *PriceSynth) Perturb(last, maxMove float64) float64 {
	next := roundPaise(last * (1 + p.unit()*maxMove))
	if next <= 0 {
		return last
	}
	return next
}

// unit returns a value uniform in [-1, 1).
func (p *PriceSynth) unit() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()*2 - 1
}

func roundPaise(v float64) float64 {
	return math.Round(v*100) / 100
}
