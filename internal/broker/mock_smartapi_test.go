package broker

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tradegate/internal/models"
)

// mockSmartAPI mimics the SmartAPI REST endpoints and the SmartStream socket.
type mockSmartAPI struct {
	t      *testing.T
	server *httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	calls         map[string]int
	bodies        map[string]map[string]interface{}
	headers       map[string]http.Header
	streamHeaders http.Header
	subscriptions []streamRequest
	pings         int

	// Behaviour switches.
	loginMessage   string // non-empty makes login fail with this message
	refreshFail    bool
	logoutFail     bool
	placeFail      string
	scrips         map[string][]map[string]string
	orderBook      []map[string]interface{}
	candles        [][]interface{}
	tokenCounter   int
	extraTextFrame string
	dropStreams    int // number of upcoming stream connections closed right after upgrade
	streamDials    int
}

func newMockSmartAPI(t *testing.T) *mockSmartAPI {
	t.Helper()

	m := &mockSmartAPI{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		calls:   make(map[string]int),
		bodies:  make(map[string]map[string]interface{}),
		headers: make(map[string]http.Header),
		scrips: map[string][]map[string]string{
			"NSE:SBIN": {
				{"exchange": "NSE", "tradingsymbol": "SBIN-BL", "symboltoken": "1"},
				{"exchange": "NSE", "tradingsymbol": "SBIN-EQ", "symboltoken": "3045"},
			},
			"NSE:INFY": {
				{"exchange": "NSE", "tradingsymbol": "INFY", "symboltoken": "1594"},
			},
		},
	}

	router := mux.NewRouter()
	router.HandleFunc(pathLogin, m.handleLogin).Methods(http.MethodPost)
	router.HandleFunc(pathRefresh, m.handleRefresh).Methods(http.MethodPost)
	router.HandleFunc(pathLogout, m.handleLogout).Methods(http.MethodPost)
	router.HandleFunc(pathPlaceOrder, m.handlePlaceOrder).Methods(http.MethodPost)
	router.HandleFunc(pathModifyOrder, m.handleEcho).Methods(http.MethodPost)
	router.HandleFunc(pathCancelOrder, m.handleEcho).Methods(http.MethodPost)
	router.HandleFunc(pathOrderBook, m.handleOrderBook).Methods(http.MethodGet)
	router.HandleFunc(pathPositions, m.handlePositions).Methods(http.MethodGet)
	router.HandleFunc(pathHoldings, m.handleHoldings).Methods(http.MethodGet)
	router.HandleFunc(pathFunds, m.handleFunds).Methods(http.MethodGet)
	router.HandleFunc(pathLTP, m.handleLTP).Methods(http.MethodPost)
	router.HandleFunc(pathCandles, m.handleCandles).Methods(http.MethodPost)
	router.HandleFunc(pathSearchScrip, m.handleSearch).Methods(http.MethodPost)
	router.HandleFunc("/smart-stream", m.handleStream)

	m.server = httptest.NewServer(router)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockSmartAPI) config() AngelConfig {
	return AngelConfig{
		APIKey:            "test-key",
		BaseURL:           m.server.URL,
		StreamURL:         "ws" + strings.TrimPrefix(m.server.URL, "http") + "/smart-stream",
		HeartbeatInterval: 20 * time.Millisecond,
		Timeout:           5 * time.Second,
	}
}

func (m *mockSmartAPI) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *mockSmartAPI) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *mockSmartAPI) body(path string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[path]
}

func (m *mockSmartAPI) record(r *http.Request) map[string]interface{} {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[r.URL.Path]++
	m.bodies[r.URL.Path] = body
	m.headers[r.URL.Path] = r.Header.Clone()
	return body
}

func writeEnvelope(w http.ResponseWriter, status bool, message, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"message":   message,
		"errorcode": code,
		"data":      data,
	})
}

func (m *mockSmartAPI) authorized(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeEnvelope(w, false, "Invalid Token", "AG8001", nil)
		return false
	}
	return true
}

func (m *mockSmartAPI) nextTokens() map[string]string {
	m.mu.Lock()
	m.tokenCounter++
	n := m.tokenCounter
	m.mu.Unlock()

	suffix := strings.Repeat("x", n)
	return map[string]string{
		"jwtToken":     "Bearer jwt-" + suffix,
		"refreshToken": "refresh-" + suffix,
		"feedToken":    "feed-" + suffix,
	}
}

func (m *mockSmartAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if m.loginMessage != "" {
		writeEnvelope(w, false, m.loginMessage, "AB1050", nil)
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", m.nextTokens())
}

func (m *mockSmartAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if m.refreshFail {
		writeEnvelope(w, false, "Invalid refresh token", "AB1011", nil)
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", m.nextTokens())
}

func (m *mockSmartAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if m.logoutFail {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", "")
}

func (m *mockSmartAPI) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	if m.placeFail != "" {
		writeEnvelope(w, false, m.placeFail, "AB4008", nil)
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", map[string]string{"orderid": "231009000000123", "uniqueorderid": "abc"})
}

func (m *mockSmartAPI) handleEcho(w http.ResponseWriter, r *http.Request) {
	body := m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", map[string]interface{}{"orderid": body["orderid"]})
}

func (m *mockSmartAPI) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", m.orderBook)
}

func (m *mockSmartAPI) handlePositions(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", []map[string]string{
		{"tradingsymbol": "SBIN-EQ", "exchange": "NSE", "producttype": "INTRADAY", "netqty": "10", "avgnetprice": "600.00", "ltp": "610.00"},
		{"tradingsymbol": "INFY", "exchange": "NSE", "producttype": "INTRADAY", "netqty": "0", "avgnetprice": "0", "ltp": "1500"},
	})
}

func (m *mockSmartAPI) handleHoldings(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", []map[string]interface{}{
		{"tradingsymbol": "INFY-EQ", "exchange": "NSE", "quantity": 5, "averageprice": 1400.0, "ltp": 1500.0},
	})
}

func (m *mockSmartAPI) handleFunds(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", map[string]string{
		"net": "100000.00", "availablecash": "95000.00", "utiliseddebits": "5000.00",
	})
}

func (m *mockSmartAPI) handleLTP(w http.ResponseWriter, r *http.Request) {
	body := m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", map[string]interface{}{
		"exchange": body["exchange"], "tradingsymbol": body["tradingsymbol"], "symboltoken": body["symboltoken"],
		"open": 595.0, "high": 612.0, "low": 590.0, "close": 600.0, "ltp": 606.0,
	})
}

func (m *mockSmartAPI) handleCandles(w http.ResponseWriter, r *http.Request) {
	m.record(r)
	if !m.authorized(w, r) {
		return
	}
	writeEnvelope(w, true, "SUCCESS", "", m.candles)
}

func (m *mockSmartAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	body := m.record(r)
	if !m.authorized(w, r) {
		return
	}
	key := body["exchange"].(string) + ":" + body["searchscrip"].(string)
	writeEnvelope(w, true, "SUCCESS", "", m.scrips[key])
}

func (m *mockSmartAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.streamHeaders = r.Header.Clone()
	m.mu.Unlock()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	m.streamDials++
	drop := m.dropStreams > 0
	if drop {
		m.dropStreams--
	}
	m.mu.Unlock()
	if drop {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if string(data) == "ping" {
			m.mu.Lock()
			m.pings++
			m.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			continue
		}

		var req streamRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		m.mu.Lock()
		m.subscriptions = append(m.subscriptions, req)
		extra := m.extraTextFrame
		m.mu.Unlock()

		if req.Action != streamActionSubscribe {
			continue
		}
		for _, group := range req.Params.TokenList {
			for _, token := range group.Tokens {
				frame := encodeBinaryTick(rawTick{
					Mode:         StreamModeQuote,
					ExchangeType: group.ExchangeType,
					Token:        token,
					Sequence:     1,
					Timestamp:    time.UnixMilli(1700000000000),
					LTP:          606.5,
					Volume:       12345,
					Open:         595,
					High:         612,
					Low:          590,
					Close:        600,
				})
				_ = conn.WriteMessage(websocket.BinaryMessage, frame)
			}
		}
		if extra != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(extra))
		}
	}
}

// encodeBinaryTick builds a quote mode frame in the SmartStream layout.
func encodeBinaryTick(raw rawTick) []byte {
	b := make([]byte, binaryQuoteSize)
	le := binary.LittleEndian

	b[0] = byte(raw.Mode)
	b[1] = byte(raw.ExchangeType)
	copy(b[2:27], raw.Token)
	le.PutUint64(b[27:35], uint64(raw.Sequence))
	le.PutUint64(b[35:43], uint64(raw.Timestamp.UnixMilli()))

	paise := func(off int, v float64) {
		le.PutUint64(b[off:off+8], uint64(int64(math.Round(v*100))))
	}
	paise(43, raw.LTP)
	le.PutUint64(b[51:59], uint64(raw.LastQty))
	paise(59, raw.AveragePrice)
	le.PutUint64(b[67:75], uint64(raw.Volume))
	le.PutUint64(b[75:83], math.Float64bits(raw.BuyQty))
	le.PutUint64(b[83:91], math.Float64bits(raw.SellQty))
	paise(91, raw.Open)
	paise(99, raw.High)
	paise(107, raw.Low)
	paise(115, raw.Close)
	return b
}

func (m *mockSmartAPI) subscriptionRequests() []streamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]streamRequest(nil), m.subscriptions...)
}

func (m *mockSmartAPI) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamDials
}

func (m *mockSmartAPI) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

func loggedInAngel(t *testing.T, m *mockSmartAPI) *AngelBroker {
	t.Helper()
	a := NewAngelBroker(m.config())
	if err := a.RestoreSession(models.Tokens{JWT: "jwt-seed", Refresh: "refresh-seed", Feed: "feed-seed", ClientCode: "A123"}); err != nil {
		t.Fatalf("RestoreSession() error = %v", err)
	}
	return a
}
