package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash-round-backend/internal/config"
	"crash-round-backend/internal/handlers"
	"crash-round-backend/internal/middleware"
	"crash-round-backend/internal/models"
	"crash-round-backend/internal/services"
)

// fakeWallet starts every user at 100.00.
type fakeWallet struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func (w *fakeWallet) balance(userID string) decimal.Decimal {
	if b, ok := w.balances[userID]; ok {
		return b
	}
	return decimal.NewFromInt(100)
}

func (w *fakeWallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.balance(userID)
	if b.LessThan(amount) {
		return services.ErrInsufficientFunds
	}
	w.balances[userID] = b.Sub(amount)
	return nil
}

func (w *fakeWallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.balance(userID).Add(amount)
	return nil
}

func (w *fakeWallet) Reverse(ctx context.Context, userID string, amount decimal.Decimal, ref services.WalletRef) error {
	return w.Credit(ctx, userID, amount, ref)
}

func (w *fakeWallet) GetBalance(ctx context.Context, userID string) (*models.Wallet, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &models.Wallet{UserID: userID, Balance: w.balance(userID)}, nil
}

func (w *fakeWallet) GetUserTransactions(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error) {
	return []*models.Transaction{}, nil
}

// countingLimiter allows the first `allow` calls per action.
type countingLimiter struct {
	mu    sync.Mutex
	allow int
	seen  map[string]int
}

func (l *countingLimiter) CheckRateLimit(ctx context.Context, userID string, action string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[action]++
	return l.seen[action] <= l.allow, nil
}

type testServer struct {
	router    *gin.Engine
	jwt       *services.JWTService
	rig       *services.RigController
	gen       *services.MultiplierGenerator
	scheduler *services.RoundScheduler
	wallet    *fakeWallet
}

func newTestServer(t *testing.T, limiter middleware.RateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zerolog.Nop()

	gen, err := services.NewMultiplierGenerator(services.GeneratorConfig{
		ServerSeed:    "handler-test-seed",
		Salt:          "handler-salt",
		HouseEdge:     decimal.RequireFromString("0.01"),
		MaxCrashPoint: decimal.NewFromInt(1000),
		GrowthRate:    0.2,
		Candidates:    4,
		HistoryWindow: 20,
	})
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}

	wallet := &fakeWallet{balances: make(map[string]decimal.Decimal)}
	rig := services.NewRigController(log)
	ledger := services.NewBetLedger(wallet, services.LedgerConfig{WalletTimeout: time.Second}, log)
	hub := services.NewBroadcastHub(64, log)
	scheduler := services.NewRoundScheduler(services.SchedulerConfig{
		BettingWindow: 10 * time.Second,
		StartingDelay: 10 * time.Millisecond,
		TickInterval:  10 * time.Millisecond,
		Cooldown:      10 * time.Millisecond,
		MinBet:        decimal.RequireFromString("0.10"),
		MaxBet:        decimal.NewFromInt(1000),
	}, gen, rig, ledger, hub, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	jwtService := services.NewJWTService(&config.Config{JWTSecret: "handler-secret", JWTExpiry: time.Hour})
	gameHandler := handlers.NewGameHandler(scheduler, gen, nil, log)
	userHandler := handlers.NewUserHandler(wallet, log)
	adminHandler := handlers.NewAdminHandler(rig, gen, log)
	wsHandler := handlers.NewWebSocketHandler(hub, scheduler, limiter, log)

	router := gin.New()
	router.POST("/api/crash/verify", gameHandler.VerifyRound)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(jwtService))
	if limiter != nil {
		api.Use(middleware.RateLimitMiddleware(limiter, log))
	}
	{
		api.GET("/balance", userHandler.GetBalance)
		api.GET("/ws", wsHandler.HandleWebSocket)

		crash := api.Group("/crash")
		crash.POST("/bet", gameHandler.PlaceBet)
		crash.POST("/cashout", gameHandler.Cashout)
		crash.GET("/round", gameHandler.GetRound)

		admin := api.Group("/admin")
		admin.Use(middleware.AdminOnly())
		admin.GET("/rig", adminHandler.GetRig)
		admin.PUT("/rig/percentages", adminHandler.SetPercentages)
		admin.POST("/rig/rounds", adminHandler.ArmRounds)
		admin.POST("/rig/off", adminHandler.DisableRig)
	}

	deadline := time.Now().Add(time.Second)
	for scheduler.Snapshot().Phase != models.RoundBetting {
		if time.Now().After(deadline) {
			t.Fatalf("Scheduler never opened betting")
		}
		time.Sleep(2 * time.Millisecond)
	}

	return &testServer{
		router:    router,
		jwt:       jwtService,
		rig:       rig,
		gen:       gen,
		scheduler: scheduler,
		wallet:    wallet,
	}
}

func (s *testServer) token(t *testing.T, p models.Player) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(p)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("Invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

var (
	player   = models.Player{ID: "u-1", Username: "alice"}
	operator = models.Player{ID: "op-1", Username: "ops", IsAdmin: true}
)

func TestAuthAndOperatorGuard(t *testing.T) {
	s := newTestServer(t, nil)

	if code, _ := s.do(t, http.MethodGet, "/api/crash/round", "", nil); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/crash/round", "garbage", nil); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with bad token, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/admin/rig", s.token(t, player), nil); code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-operator, got %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/admin/rig", s.token(t, operator), nil); code != http.StatusOK {
		t.Errorf("Expected 200 for operator, got %d", code)
	}

	code, body := s.do(t, http.MethodGet, "/api/crash/round", s.token(t, player), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	round := body["round"].(map[string]interface{})
	if round["phase"] != string(models.RoundBetting) {
		t.Errorf("Expected betting phase, got %v", round["phase"])
	}
	if _, leaked := round["crashPoint"]; leaked {
		t.Errorf("Crash point exposed during betting")
	}
}

func TestPlaceBetStatusCodes(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, player)

	cases := []struct {
		name   string
		amount string
		want   int
	}{
		{"too many decimals", "1.001", http.StatusBadRequest},
		{"below minimum", "0.05", http.StatusBadRequest},
		{"insufficient funds", "500.00", http.StatusPaymentRequired},
		{"accepted", "10.00", http.StatusOK},
		{"duplicate", "5.00", http.StatusConflict},
	}
	for _, tc := range cases {
		code, body := s.do(t, http.MethodPost, "/api/crash/bet", tok, gin.H{"amount": tc.amount})
		if code != tc.want {
			t.Errorf("%s: expected %d, got %d (%v)", tc.name, tc.want, code, body)
		}
	}

	if code, _ := s.do(t, http.MethodPost, "/api/crash/bet", tok, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty body, got %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/crash/cashout", tok, gin.H{}); code != http.StatusConflict {
		t.Errorf("Expected 409 for cash out while betting, got %d", code)
	}

	code, body := s.do(t, http.MethodGet, "/api/balance", tok, nil)
	if code != http.StatusOK || body["balance"] != "90" {
		t.Errorf("Expected balance 90 after one bet, got %d %v", code, body)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{allow: 1, seen: make(map[string]int)}
	s := newTestServer(t, limiter)
	tok := s.token(t, player)

	if code, _ := s.do(t, http.MethodPost, "/api/crash/bet", tok, gin.H{"amount": "1.00"}); code != http.StatusOK {
		t.Fatalf("First bet rejected with %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/crash/bet", tok, gin.H{"amount": "1.00"}); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
	// Reads are not limited.
	if code, _ := s.do(t, http.MethodGet, "/api/crash/round", tok, nil); code != http.StatusOK {
		t.Errorf("Expected 200 for round view, got %d", code)
	}
}

func TestOperatorRigCommands(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, operator)

	code, _ := s.do(t, http.MethodPost, "/api/admin/rig/rounds", tok, gin.H{"count": 3, "mode": "1.5x"})
	if code != http.StatusOK {
		t.Fatalf("Expected 200 arming rounds, got %d", code)
	}
	rs := s.rig.Settings()
	if rs.RigMode != models.RigRounds || rs.RiggedRoundsRemaining != 3 || !rs.RiggedMaxMultiplier.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Unexpected settings after arming: %+v", rs)
	}

	bad := []gin.H{
		{"count": 0, "mode": "1.5x"},
		{"count": 3, "mode": "3x"},
		{"count": 3, "mode": "randomized", "max_multiplier": "0.5"},
	}
	for _, body := range bad {
		if code, _ := s.do(t, http.MethodPost, "/api/admin/rig/rounds", tok, body); code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", body, code)
		}
	}

	if code, _ := s.do(t, http.MethodPut, "/api/admin/rig/percentages", tok, gin.H{"under_101": "50", "under_11": "30"}); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for inconsistent targets, got %d", code)
	}
	if code, _ := s.do(t, http.MethodPut, "/api/admin/rig/percentages", tok, gin.H{"under_2": "40"}); code != http.StatusOK {
		t.Errorf("Expected 200 for valid targets, got %d", code)
	}
	if s.rig.Settings().RigMode != models.RigPercentage {
		t.Errorf("Expected percentage mode")
	}

	if code, _ := s.do(t, http.MethodPost, "/api/admin/rig/off", tok, nil); code != http.StatusOK {
		t.Errorf("Expected 200 disabling rig, got %d", code)
	}
	if s.rig.Settings().RigMode != models.RigOff {
		t.Errorf("Rig still on")
	}
}

func TestVerifyRound(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodPost, "/api/crash/verify", "", gin.H{
		"server_seed":  "handler-test-seed",
		"salt":         "handler-salt",
		"round_number": 12,
	})
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", code, body)
	}
	v := body["verification"].(map[string]interface{})
	want := s.gen.NaturalCrashPoint(12)
	got, err := decimal.NewFromString(v["crash_point"].(string))
	if err != nil || !got.Equal(want) {
		t.Errorf("Expected crash point %s, got %v", want, v["crash_point"])
	}
	if v["calculated_hash"] != s.gen.ServerHash() {
		t.Errorf("Hash mismatch")
	}

	if code, _ := s.do(t, http.MethodPost, "/api/crash/verify", "", gin.H{"salt": "x"}); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", code)
	}
}

func TestWebSocketCashOutIsRateLimited(t *testing.T) {
	limiter := &countingLimiter{allow: 0, seen: make(map[string]int)}
	s := newTestServer(t, limiter)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + s.token(t, player)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(models.ClientMessage{Type: "cash_out"}); err != nil {
		t.Fatalf("Failed to send cash_out: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("No error message before deadline: %v", err)
		}
		if msg.Type != string(models.MsgError) {
			continue
		}
		var data models.ErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Invalid error payload %s: %v", msg.Data, err)
		}
		if data.Message != services.ErrRateLimited.Error() {
			t.Errorf("Expected rate limit error, got %q", data.Message)
		}
		break
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.seen[middleware.ActionCashout] != 1 {
		t.Errorf("Expected one counted socket cash-out, got %d", limiter.seen[middleware.ActionCashout])
	}
}
