package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPermanentClassification(t *testing.T) {
	base := errors.New("mailbox unavailable")
	if IsPermanent(base) {
		t.Fatalf("plain error must be transient")
	}
	p := Permanent(base)
	if !IsPermanent(p) || !errors.Is(p, base) {
		t.Fatalf("wrapped error should be permanent and keep cause: %v", p)
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}

func TestHTTPClient_SendsJSONWithToken(t *testing.T) {
	var got sendRequest
	var token, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		token = r.Header.Get(TokenHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret-token", time.Second)
	err := c.Send(context.Background(), Email{
		From: "news@example.com", To: "a@example.com", Subject: "Hi", HTML: "<p>x</p>", Text: "x",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/email" || token != "secret-token" {
		t.Fatalf("unexpected request path=%q token=%q", path, token)
	}
	if got.To != "a@example.com" || got.HTMLBody != "<p>x</p>" || got.TextBody != "x" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestHTTPClient_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		wantErr   bool
		permanent bool
	}{
		{http.StatusAccepted, "", false, false},
		{http.StatusUnprocessableEntity, `{"ErrorCode":300,"Message":"Invalid 'To' address"}`, true, true},
		{http.StatusBadRequest, `{"ErrorCode":406,"Message":"Inactive recipient"}`, true, true},
		{http.StatusBadRequest, `{"ErrorCode":300,"Message":"Invalid email request"}`, true, true},
		{http.StatusBadRequest, `{"ErrorCode":402,"Message":"Invalid JSON"}`, true, false},
		{http.StatusBadRequest, "nope", true, false},
		{http.StatusUnauthorized, `{"ErrorCode":10,"Message":"Bad or missing API token"}`, true, false},
		{http.StatusForbidden, "nope", true, false},
		{http.StatusNotFound, "nope", true, false},
		{http.StatusTooManyRequests, "nope", true, false},
		{http.StatusRequestTimeout, "nope", true, false},
		{http.StatusInternalServerError, "nope", true, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		err := NewHTTPClient(srv.URL, "", time.Second).Send(context.Background(), Email{To: "a@example.com"})
		srv.Close()

		if (err != nil) != tc.wantErr {
			t.Fatalf("status %d: err=%v wantErr=%v", tc.status, err, tc.wantErr)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d body %q: permanent=%v want %v", tc.status, tc.body, IsPermanent(err), tc.permanent)
		}
	}
}

func TestHTTPClient_BadTokenIsTransientAndLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ErrorCode":10,"Message":"Bad or missing API token"}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(srv.URL, "wrong-token", time.Second)
	c.Log = zerolog.New(&buf)
	err := c.Send(context.Background(), Email{To: "a@example.com"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("401 must be a transient error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":401`) {
		t.Fatalf("expected an error-level log for the rejected token, got: %s", buf.String())
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, "", 20*time.Millisecond).Send(context.Background(), Email{To: "a@example.com"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("timeout should be a transient error, got %v", err)
	}
}

func TestLogNotifier_LogsEnvelope(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: zerolog.New(&buf)}
	if err := n.Send(context.Background(), Email{To: "a@example.com", Subject: "Welcome!"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"to":"a@example.com"`) || !strings.Contains(buf.String(), "Welcome!") {
		t.Fatalf("unexpected log: %s", buf.String())
	}
}

func TestNotifierFunc(t *testing.T) {
	called := false
	var n Notifier = NotifierFunc(func(ctx context.Context, e Email) error {
		called = e.To == "x@example.com"
		return nil
	})
	_ = n.Send(context.Background(), Email{To: "x@example.com"})
	if !called {
		t.Fatalf("NotifierFunc did not forward the email")
	}
}
