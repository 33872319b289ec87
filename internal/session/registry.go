package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/broker"
	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/models"
)

// TokenHook receives token triples after a successful connect or refresh so
// they can be persisted outside the registry.
type TokenHook func(userID string, kind models.BrokerKind, tokens models.Tokens)

// Session binds one user to one adapter. Calls routed through the registry
// are serialized per session.
type Session struct {
	UserID    string
	Kind      models.BrokerKind
	Broker    broker.Broker
	CreatedAt time.Time

	mu sync.Mutex // held for the duration of every routed call

	stateMu         sync.RWMutex
	authenticatedAt time.Time
}

// AuthenticatedAt returns when the session's tokens were last obtained.
func (s *Session) AuthenticatedAt() time.Time {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.authenticatedAt
}

func (s *Session) touch(t time.Time) {
	s.stateMu.Lock()
	s.authenticatedAt = t
	s.stateMu.Unlock()
}

// Authenticated reports the adapter's authentication state.
func (s *Session) Authenticated() bool {
	return s.Broker.IsAuthenticated()
}

// Registry owns all sessions. The session map is only mutated through its
// methods.
type Registry struct {
	factory      *Factory
	logger       zerolog.Logger
	refreshAfter time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	onTokens TokenHook
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithRefreshAfter sets the token age after which live sessions are
// refreshed before the next routed call. Zero disables proactive refresh.
func WithRefreshAfter(d time.Duration) Option {
	return func(r *Registry) { r.refreshAfter = d }
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTokenHook sets the hook invoked with fresh tokens.
func WithTokenHook(hook TokenHook) Option {
	return func(r *Registry) { r.onTokens = hook }
}

// NewRegistry creates an empty registry.
func NewRegistry(factory *Factory, opts ...Option) *Registry {
	r := &Registry{
		factory:  factory,
		logger:   zerolog.Nop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTokens replaces the token hook.
func (r *Registry) OnTokens(hook TokenHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTokens = hook
}

func (r *Registry) emitTokens(s *Session) {
	if s.Kind != models.BrokerLive {
		return
	}
	tokens := s.Broker.Tokens()
	if tokens.IsZero() {
		return
	}

	r.mu.RLock()
	hook := r.onTokens
	r.mu.RUnlock()

	if hook != nil {
		hook(s.UserID, s.Kind, tokens)
	}
}

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.NewValidationError("user", userID, "is required")
	}
	return nil
}

// Connect builds an adapter of the given kind, logs it in and binds it to the
// user, replacing any existing session. On failure the existing session, if
// any, is kept.
func (r *Registry) Connect(ctx context.Context, userID string, kind models.BrokerKind, creds models.Credentials) (*Session, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	b, err := r.factory.New(kind)
	if err != nil {
		return nil, err
	}
	if err := b.Login(ctx, creds); err != nil {
		return nil, err
	}

	s := r.bind(userID, kind, b)
	r.emitTokens(s)

	logger := logging.WithUser(r.logger, userID)
	logger.Info().Str("broker", string(kind)).Msg("Session connected")
	return s, nil
}

// Restore binds an adapter seeded with previously issued tokens. No login
// call is made.
func (r *Registry) Restore(ctx context.Context, userID string, kind models.BrokerKind, tokens models.Tokens) (*Session, error) {
	return r.RestoreIssued(ctx, userID, kind, tokens, time.Time{})
}

// RestoreIssued is Restore for tokens with a known issue time, so proactive
// refresh accounts for their real age. A zero issuedAt means now.
func (r *Registry) RestoreIssued(ctx context.Context, userID string, kind models.BrokerKind, tokens models.Tokens, issuedAt time.Time) (*Session, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}

	b, err := r.factory.New(kind)
	if err != nil {
		return nil, err
	}
	if err := b.RestoreSession(tokens); err != nil {
		return nil, err
	}

	s := r.bind(userID, kind, b)
	if !issuedAt.IsZero() {
		s.touch(issuedAt)
	}
	logger := logging.WithUser(r.logger, userID)
	logger.Info().Str("broker", string(kind)).Msg("Session restored")
	return s, nil
}

func (r *Registry) bind(userID string, kind models.BrokerKind, b broker.Broker) *Session {
	now := r.now()
	s := &Session{
		UserID:          userID,
		Kind:            kind,
		Broker:          b,
		CreatedAt:       now,
		authenticatedAt: now,
	}

	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		if err := old.Broker.CloseStream(); err != nil && !errors.Is(err, errors.ErrNotImplemented) {
			logger := logging.WithUser(r.logger, userID)
			logger.Warn().Err(err).Msg("Closing replaced session stream failed")
		}
		old.mu.Unlock()
	}
	return s
}

// Session returns the user's session.
func (r *Registry) Session(userID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrNoBrokerConnected, "user %q", userID)
	}
	return s, nil
}

// Adapter returns the user's adapter.
func (r *Registry) Adapter(userID string) (broker.Broker, error) {
	s, err := r.Session(userID)
	if err != nil {
		return nil, err
	}
	return s.Broker, nil
}

// Disconnect closes the user's stream, logs out and removes the session.
// Failures are logged; the session is always removed.
func (r *Registry) Disconnect(ctx context.Context, userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logging.WithUser(r.logger, userID)
	if err := s.Broker.CloseStream(); err != nil && !errors.Is(err, errors.ErrNotImplemented) {
		logger.Warn().Err(err).Msg("Closing stream failed")
	}
	if err := s.Broker.Logout(ctx); err != nil && !errors.Is(err, errors.ErrNotImplemented) {
		logger.Warn().Err(err).Msg("Logout failed")
	}

	logger.Info().Msg("Session disconnected")
	return nil
}

// Refresh renews the user's tokens.
func (r *Registry) Refresh(ctx context.Context, userID string) error {
	s, err := r.Session(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return r.refresh(ctx, s)
}

func (r *Registry) refresh(ctx context.Context, s *Session) error {
	if err := s.Broker.Refresh(ctx); err != nil {
		return err
	}
	s.touch(r.now())
	r.emitTokens(s)
	return nil
}

// maybeRefresh refreshes stale live sessions. A failed refresh is logged and
// the caller proceeds with the current tokens.
func (r *Registry) maybeRefresh(ctx context.Context, s *Session) {
	if r.refreshAfter <= 0 || s.Kind != models.BrokerLive {
		return
	}
	if r.now().Sub(s.AuthenticatedAt()) < r.refreshAfter {
		return
	}

	if err := r.refresh(ctx, s); err != nil {
		logger := logging.WithUser(r.logger, s.UserID)
		logger.Warn().Err(err).Msg("Proactive refresh failed")
	}
}

// call runs fn against the user's adapter while holding the session lock.
func (r *Registry) call(ctx context.Context, userID string, fn func(broker.Broker) error) error {
	s, err := r.Session(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.maybeRefresh(ctx, s)
	return fn(s.Broker)
}

// PlaceOrder routes an order to the user's adapter.
func (r *Registry) PlaceOrder(ctx context.Context, userID string, params models.OrderParams) (*broker.OrderResult, error) {
	var res *broker.OrderResult
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		res, err = b.PlaceOrder(ctx, params)
		return err
	})
	return res, err
}

// ModifyOrder routes an order modification.
func (r *Registry) ModifyOrder(ctx context.Context, userID, orderID string, params models.OrderParams) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.ModifyOrder(ctx, orderID, params)
	})
}

// CancelOrder routes an order cancellation.
func (r *Registry) CancelOrder(ctx context.Context, userID, orderID string, variety models.Variety) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.CancelOrder(ctx, orderID, variety)
	})
}

// Orders lists the user's orders.
func (r *Registry) Orders(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		orders, err = b.ListOrders(ctx)
		return err
	})
	return orders, err
}

// OrderStatus returns one of the user's orders.
func (r *Registry) OrderStatus(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var order *models.Order
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		order, err = b.OrderStatus(ctx, orderID)
		return err
	})
	return order, err
}

// Positions returns the user's open positions.
func (r *Registry) Positions(ctx context.Context, userID string) ([]models.Position, error) {
	var positions []models.Position
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		positions, err = b.Positions(ctx)
		return err
	})
	return positions, err
}

// Holdings returns the user's holdings.
func (r *Registry) Holdings(ctx context.Context, userID string) ([]models.Holding, error) {
	var holdings []models.Holding
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		holdings, err = b.Holdings(ctx)
		return err
	})
	return holdings, err
}

// Funds returns the user's funds.
func (r *Registry) Funds(ctx context.Context, userID string) (*models.Funds, error) {
	var funds *models.Funds
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		funds, err = b.Funds(ctx)
		return err
	})
	return funds, err
}

// LTP returns the last traded price of a symbol.
func (r *Registry) LTP(ctx context.Context, userID string, exchange models.Exchange, symbol string) (float64, error) {
	var ltp float64
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		ltp, err = b.LastPrice(ctx, exchange, symbol)
		return err
	})
	return ltp, err
}

// Quote returns a quote for a symbol.
func (r *Registry) Quote(ctx context.Context, userID string, exchange models.Exchange, symbol string) (*models.Quote, error) {
	var q *models.Quote
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		q, err = b.Quote(ctx, exchange, symbol)
		return err
	})
	return q, err
}

// Candles returns historical candles.
func (r *Registry) Candles(ctx context.Context, userID string, req broker.HistoricalRequest) ([]models.Candle, error) {
	var candles []models.Candle
	err := r.call(ctx, userID, func(b broker.Broker) (err error) {
		candles, err = b.HistoricalCandles(ctx, req)
		return err
	})
	return candles, err
}

// OpenStream opens the user's market data stream. Handlers must not call
// back into the registry for the same user synchronously while a
// CloseStream for that user may be pending.
func (r *Registry) OpenStream(ctx context.Context, userID string, onTick broker.TickHandler, onError broker.ErrorHandler) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.OpenStream(ctx, onTick, onError)
	})
}

// Subscribe adds instruments to the user's stream.
func (r *Registry) Subscribe(ctx context.Context, userID string, subs ...models.Subscription) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.Subscribe(ctx, subs...)
	})
}

// Unsubscribe removes instruments from the user's stream.
func (r *Registry) Unsubscribe(ctx context.Context, userID string, subs ...models.Subscription) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.Unsubscribe(ctx, subs...)
	})
}

// CloseStream closes the user's stream.
func (r *Registry) CloseStream(ctx context.Context, userID string) error {
	return r.call(ctx, userID, func(b broker.Broker) error {
		return b.CloseStream()
	})
}

// Users returns the connected user identities in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disconnects every session.
func (r *Registry) Close(ctx context.Context) error {
	for _, u := range r.Users() {
		if err := r.Disconnect(ctx, u); err != nil {
			return err
		}
	}
	return nil
}
