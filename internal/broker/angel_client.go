package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/resilience"
)

// SmartAPI REST endpoints.
const (
	pathLogin       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathRefresh     = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	pathLogout      = "/rest/secure/angelbroking/user/v1/logout"
	pathPlaceOrder  = "/rest/secure/angelbroking/order/v1/placeOrder"
	pathModifyOrder = "/rest/secure/angelbroking/order/v1/modifyOrder"
	pathCancelOrder = "/rest/secure/angelbroking/order/v1/cancelOrder"
	pathOrderBook   = "/rest/secure/angelbroking/order/v1/getOrderBook"
	pathPositions   = "/rest/secure/angelbroking/order/v1/getPosition"
	pathHoldings    = "/rest/secure/angelbroking/portfolio/v1/getHolding"
	pathFunds       = "/rest/secure/angelbroking/user/v1/getRMS"
	pathLTP         = "/rest/secure/angelbroking/order/v1/getLtpData"
	pathCandles     = "/rest/secure/angelbroking/historical/v1/getCandleData"
	pathSearchScrip = "/rest/secure/angelbroking/order/v1/searchScrip"
)

// envelope is the response wrapper used by every SmartAPI endpoint.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// smartClient sends SmartAPI requests with the fixed header set.
type smartClient struct {
	http    *resty.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

func newSmartClient(cfg AngelConfig, logger zerolog.Logger) *smartClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeaders(map[string]string{
			"Content-Type":     "application/json",
			"Accept":           "application/json",
			"X-UserType":       "USER",
			"X-SourceID":       "WEB",
			"X-ClientLocalIP":  cfg.ClientLocalIP,
			"X-ClientPublicIP": cfg.ClientPublicIP,
			"X-MACAddress":     cfg.MACAddress,
			"X-PrivateKey":     cfg.APIKey,
		})

	breaker := resilience.NewCircuitBreaker(angelName, resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Timeout:          cfg.BreakerCooldown,
		IsFailure:        isOutage,
		Now:              cfg.Now,
	})

	return &smartClient{http: client, breaker: breaker, logger: logger}
}

// isOutage reports whether err means the API is unreachable or failing, as
// opposed to a structured rejection of one request.
func isOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var berr *errors.BrokerError
	if !errors.As(err, &berr) {
		return true
	}
	status, convErr := strconv.Atoi(berr.Code)
	return convErr == nil && status >= http.StatusInternalServerError
}

// do sends one request. A jwt of "" sends no Authorization header. The
// envelope is returned so callers can surface the broker's message; a
// response with status=false becomes a BrokerError.
func (c *smartClient) do(ctx context.Context, op, method, path, jwt string, body, out interface{}) (*envelope, error) {
	var env *envelope
	err := c.breaker.Execute(func() error {
		var err error
		env, err = c.send(ctx, op, method, path, jwt, body, out)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Warn().Str("op", op).Msg("SmartAPI circuit open, request not sent")
		return nil, fmt.Errorf("%s %s: %w", angelName, op, err)
	}
	return env, err
}

func (c *smartClient) send(ctx context.Context, op, method, path, jwt string, body, out interface{}) (*envelope, error) {
	req := c.http.R().SetContext(ctx)
	if jwt != "" {
		req.SetAuthToken(jwt)
	}
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	logging.LogAPICall(c.logger, method, path, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", angelName, op, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.StatusCode() >= http.StatusBadRequest {
			return nil, errors.NewBrokerError(angelName, op, strconv.Itoa(resp.StatusCode()), strings.TrimSpace(resp.String()), nil)
		}
		return nil, fmt.Errorf("%s %s: decoding response: %w", angelName, op, err)
	}

	if !env.Status {
		msg := env.Message
		if msg == "" {
			msg = resp.Status()
		}
		return &env, errors.NewBrokerError(angelName, op, env.ErrorCode, msg, nil)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &env, fmt.Errorf("%s %s: decoding data: %w", angelName, op, err)
		}
	}

	return &env, nil
}

// flexFloat accepts JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts JSON integers, floats and numeric strings.
type flexInt int

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*i = flexInt(f)
	return nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
