package broker

import (
	"context"
	"strings"
	"time"

	"tradegate/internal/models"
)

type paperStream struct {
	onTick TickHandler
	stop   chan struct{}
	done   chan struct{}
}

// paperSub is a streamed symbol and its last emitted price.
type paperSub struct {
	symbol   string
	exchange models.Exchange
	seed     float64
	last     float64
}

// OpenStream starts emitting one tick per subscribed symbol every tick
// interval. Handlers must not call CloseStream synchronously. Opening an open
// stream is a no-op.
func (p *PaperBroker) OpenStream(ctx context.Context, onTick TickHandler, onError ErrorHandler) error {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	if p.stream != nil {
		return nil
	}
	if onTick == nil {
		onTick = func(models.Tick) {}
	}

	s := &paperStream{
		onTick: onTick,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.stream = s
	go p.runStream(s)

	p.logger.Debug().Dur("interval", p.tickInterval).Msg("Paper stream started")
	return nil
}

// CloseStream stops the tick timer and waits for the emitter to exit.
func (p *PaperBroker) CloseStream() error {
	p.streamMu.Lock()
	s := p.stream
	p.stream = nil
	p.streamMu.Unlock()

	if s == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	return nil
}

// Subscribe adds symbols to the streamed set. Subscriptions survive closing
// and reopening the stream.
func (p *PaperBroker) Subscribe(ctx context.Context, subs ...models.Subscription) error {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	for _, sub := range subs {
		symbol := strings.ToUpper(sub.Symbol)
		if symbol == "" {
			symbol = sub.Token
		}
		if symbol == "" {
			continue
		}
		if _, ok := p.subs[symbol]; ok {
			continue
		}

		exchange := sub.Exchange
		if exchange == "" {
			exchange = models.NSE
		}
		seed := p.prices.Price(symbol)
		p.subs[symbol] = &paperSub{symbol: symbol, exchange: exchange, seed: seed, last: seed}
		p.subOrder = append(p.subOrder, symbol)
	}
	return nil
}

// Unsubscribe removes symbols from the streamed set.
func (p *PaperBroker) Unsubscribe(ctx context.Context, subs ...models.Subscription) error {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	for _, sub := range subs {
		symbol := strings.ToUpper(sub.Symbol)
		if symbol == "" {
			symbol = sub.Token
		}
		delete(p.subs, symbol)
	}

	kept := p.subOrder[:0]
	for _, s := range p.subOrder {
		if _, ok := p.subs[s]; ok {
			kept = append(kept, s)
		}
	}
	p.subOrder = kept
	return nil
}

func (p *PaperBroker) runStream(s *paperStream) {
	defer close(s.done)

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, tick := range p.nextTicks() {
				select {
				case <-s.stop:
					return
				default:
				}
				s.onTick(tick)
			}
		}
	}
}

func (p *PaperBroker) nextTicks() []models.Tick {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	if len(p.subOrder) == 0 {
		return nil
	}

	now := p.now()
	ticks := make([]models.Tick, 0, len(p.subOrder))
	for _, symbol := range p.subOrder {
		sub := p.subs[symbol]
		sub.last = p.prices.Perturb(sub.last, p.streamVolatility)

		ticks = append(ticks, models.Tick{
			Symbol:         sub.symbol,
			Exchange:       sub.exchange,
			LTP:            sub.last,
			ChangePercent:  (sub.last - sub.seed) / sub.seed * 100,
			Open:           sub.seed,
			Close:          sub.seed,
			SymbolResolved: true,
			Timestamp:      now,
		})
	}
	return ticks
}
