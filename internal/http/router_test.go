package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/notify"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

const (
	testOperator = "admin"
	testPassword = "correct horse battery"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type outbox struct {
	mu   sync.Mutex
	sent []notify.Email
}

func (o *outbox) Send(_ context.Context, e notify.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, e)
	return nil
}

func (o *outbox) last(t *testing.T) notify.Email {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatalf("no email sent")
	}
	return o.sent[len(o.sent)-1]
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		AppBaseURL:  "http://localhost:8080/api/v1",
		RateRPS:     1000,
		RateBurst:   1000,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		DB:          config.DBConfig{AcquireTimeout: time.Second},
		Email:       config.EmailConfig{Sender: "news@example.com"},
		Auth: config.AuthConfig{
			JWTSecret: strings.Repeat("s", 32),
			TokenTTL:  time.Hour,
		},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB, *outbox) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	box := &outbox{}
	r := gin.New()
	RegisterRoutes(r, db, Deps{Notifier: box}, cfg)
	return r, db, box
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r http.Handler, db *gorm.DB) string {
	t.Helper()
	auth := services.NewAuthService(db, strings.Repeat("s", 32), time.Hour)
	if _, err := auth.EnsureOperator(context.Background(), testOperator, testPassword); err != nil {
		t.Fatalf("EnsureOperator: %v", err)
	}
	w := do(r, http.MethodPost, "/api/v1/admin/login",
		fmt.Sprintf(`{"username":%q,"password":%q}`, testOperator, testPassword), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d body=%s", w.Code, w.Body.String())
	}
	var out struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || out.Token == "" || out.TokenType != "Bearer" {
		t.Fatalf("login body %s (err=%v)", w.Body.String(), err)
	}
	return out.Token
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	w := do(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	if w := do(r, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	w = do(r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("NoRoute: code=%d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodDelete, "/health", "", nil)
	if w.Code != http.StatusMethodNotAllowed || !strings.Contains(w.Body.String(), `"code":"method_not_allowed"`) {
		t.Fatalf("NoMethod: code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_CORSAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"https://admin.example.com"}}
	r, _, _ := newTestRouter(t, cfg)

	w := do(r, http.MethodGet, "/health", "", map[string]string{"Origin": "https://admin.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("allowed origin not echoed, got %q", got)
	}

	w = do(r, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin must not be allowed, got %q", got)
	}
}

func TestRegisterRoutes_SubscribeAndConfirm(t *testing.T) {
	r, db, box := newTestRouter(t, testConfig())

	w := do(r, http.MethodPost, "/api/v1/subscriptions", `{"name":"Ursula","email":"ursula@example.com"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe = %d body=%s", w.Code, w.Body.String())
	}

	mail := box.last(t)
	if mail.To != "ursula@example.com" || mail.From != "news@example.com" {
		t.Fatalf("unexpected email envelope: %+v", mail)
	}
	i := strings.Index(mail.Text, "subscription_token=")
	if i < 0 {
		t.Fatalf("no confirmation link in %q", mail.Text)
	}
	token := mail.Text[i+len("subscription_token=") : i+len("subscription_token=")+services.SubscriptionTokenLen]

	w = do(r, http.MethodGet, "/api/v1/subscriptions/confirm?subscription_token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d body=%s", w.Code, w.Body.String())
	}

	var sub domain.Subscriber
	if err := db.Where("email = ?", "ursula@example.com").First(&sub).Error; err != nil {
		t.Fatalf("load subscriber: %v", err)
	}
	if sub.Status != domain.StatusConfirmed {
		t.Fatalf("status = %q; want confirmed", sub.Status)
	}

	w = do(r, http.MethodGet, "/api/v1/subscriptions/confirm?subscription_token="+strings.Repeat("a", services.SubscriptionTokenLen), "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown token = %d; want 404", w.Code)
	}

	w = do(r, http.MethodPost, "/api/v1/subscriptions", `{"name":"","email":"not-an-email"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid subscribe = %d; want 400", w.Code)
	}
}

func TestRegisterRoutes_AdminRequiresToken(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	for _, p := range []string{"/api/v1/admin/issues", "/api/v1/admin/queue", "/api/v1/admin/dead-letters"} {
		w := do(r, http.MethodGet, p, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token = %d; want 401", p, w.Code)
		}
	}
	w := do(r, http.MethodGet, "/api/v1/admin/issues", "", map[string]string{"Authorization": "Bearer garbage"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d; want 401", w.Code)
	}

	w = do(r, http.MethodPost, "/api/v1/admin/login", `{"username":"admin","password":"wrong password!!"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d; want 401", w.Code)
	}
}

func TestRegisterRoutes_PublishIsIdempotent(t *testing.T) {
	r, db, _ := newTestRouter(t, testConfig())
	token := login(t, r, db)

	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		s, err := repo.CreateSubscriber(ctx, db, email, "Reader", time.Now().UTC())
		if err != nil {
			t.Fatalf("create subscriber: %v", err)
		}
		if err := repo.ConfirmSubscriber(ctx, db, s.ID); err != nil {
			t.Fatalf("confirm subscriber: %v", err)
		}
	}
	if _, err := repo.CreateSubscriber(ctx, db, "pending@example.com", "Pending", time.Now().UTC()); err != nil {
		t.Fatalf("create pending subscriber: %v", err)
	}

	hdr := map[string]string{
		"Authorization":   "Bearer " + token,
		"Idempotency-Key": "digest-2025-10",
	}
	body := `{"title":"October","text_content":"Hello","html_content":"<p>Hello</p>"}`

	first := do(r, http.MethodPost, "/api/v1/admin/issues", body, hdr)
	if first.Code != http.StatusCreated {
		t.Fatalf("publish = %d body=%s", first.Code, first.Body.String())
	}
	if first.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first response must not be marked as replay")
	}
	if first.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("admin responses should be no-store")
	}
	var out struct {
		IssueID  string `json:"issue_id"`
		Enqueued int64  `json:"enqueued"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.IssueID == "" || out.Enqueued != 2 {
		t.Fatalf("unexpected publish body: %s", first.Body.String())
	}
	if loc := first.Header().Get("Location"); !strings.HasSuffix(loc, out.IssueID) {
		t.Fatalf("Location = %q", loc)
	}

	second := do(r, http.MethodPost, "/api/v1/admin/issues", body, hdr)
	if second.Code != first.Code {
		t.Fatalf("replay status = %d; want %d", second.Code, first.Code)
	}
	if !bytes.Equal(second.Body.Bytes(), first.Body.Bytes()) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay should carry Idempotency-Replayed: true")
	}

	var issues, tasks int64
	db.Model(&domain.Issue{}).Count(&issues)
	db.Model(&domain.DeliveryTask{}).Count(&tasks)
	if issues != 1 || tasks != 2 {
		t.Fatalf("issues=%d tasks=%d; want 1 and 2", issues, tasks)
	}

	w := do(r, http.MethodGet, "/api/v1/admin/issues/"+out.IssueID, "", hdr)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "October") {
		t.Fatalf("get issue = %d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/v1/admin/queue", "", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("queue stats = %d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_PublishRejectsBadKey(t *testing.T) {
	r, db, _ := newTestRouter(t, testConfig())
	token := login(t, r, db)
	body := `{"title":"October","text_content":"Hello","html_content":"<p>Hello</p>"}`

	w := do(r, http.MethodPost, "/api/v1/admin/issues", body, map[string]string{
		"Authorization":   "Bearer " + token,
		"Idempotency-Key": strings.Repeat("k", 51),
	})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"code":"bad_idempotency_key"`) {
		t.Fatalf("oversized key: code=%d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/api/v1/admin/issues", body, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"code":"bad_idempotency_key"`) {
		t.Fatalf("missing key: code=%d body=%s", w.Code, w.Body.String())
	}

	var n int64
	db.Model(&domain.Idempotency{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected keys must not touch the store, found %d rows", n)
	}
}
