package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/chatwatch/internal/domain"
	"github.com/V4T54L/chatwatch/internal/domain/mocks"
)

type staticAlerts []domain.Alert

func (s staticAlerts) List() []domain.Alert { return s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusHandler_Health(t *testing.T) {
	healthy := NewStatusHandler(domain.NewSession("t"), staticAlerts(nil), nil, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
	}, testLogger())
	rr := httptest.NewRecorder()
	healthy.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	degraded := NewStatusHandler(domain.NewSession("t"), staticAlerts(nil), nil, map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	}, testLogger())
	rr = httptest.NewRecorder()
	degraded.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if resp.Status != "degraded" || resp.Components["redis"] != "connection refused" || resp.Components["postgres"] != "ok" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestStatusHandler_SessionAndAlerts(t *testing.T) {
	session := domain.NewSession("serve")
	session.AddProcessed(7)
	alerts := staticAlerts{
		{MessageID: "a", Severity: domain.SeverityCritical},
		{MessageID: "b", Severity: domain.SeverityLow},
	}
	h := NewStatusHandler(session, alerts, nil, nil, testLogger())

	rr := httptest.NewRecorder()
	h.Session(rr, httptest.NewRequest(http.MethodGet, "/admin/session", nil))
	var snap domain.SessionSnapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if snap.Processed != 7 || snap.Name != "serve" {
		t.Errorf("unexpected session snapshot: %+v", snap)
	}

	rr = httptest.NewRecorder()
	h.Alerts(rr, httptest.NewRequest(http.MethodGet, "/admin/alerts?min_severity=high", nil))
	var got []domain.Alert
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode alerts: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "a" {
		t.Errorf("expected only the critical alert, got %+v", got)
	}
}

func TestStatusHandler_RiskyUsers(t *testing.T) {
	store := mocks.NewMockMessageStore()
	h := NewStatusHandler(domain.NewSession("t"), staticAlerts(nil), store, nil, testLogger())

	rr := httptest.NewRecorder()
	h.RiskyUsers(rr, httptest.NewRequest(http.MethodGet, "/admin/users/risky?limit=5", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}

	rr = httptest.NewRecorder()
	h.RiskyUsers(rr, httptest.NewRequest(http.MethodGet, "/admin/users/risky?limit=abc", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestSSEBroker_StreamsAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewSSEBroker(ctx, testLogger())

	srv := httptest.NewServer(broker)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for broker.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := broker.Notify(ctx, domain.Alert{MessageID: "alice_1", Severity: domain.SeverityCritical}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before the alert arrived")
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"message_id":"alice_1"`) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for the alert")
		}
	}
}

func TestSSEBroker_FiltersBySeverity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewSSEBroker(ctx, testLogger())

	srv := httptest.NewServer(broker)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?min_severity=critical")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	broker.Notify(ctx, domain.Alert{MessageID: "bob_1", Severity: domain.SeverityHigh})
	broker.Notify(ctx, domain.Alert{MessageID: "bob_2", Severity: domain.SeverityCritical})

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before the alert arrived")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			if strings.Contains(line, `"message_id":"bob_1"`) {
				t.Fatal("expected the HIGH alert to be filtered out")
			}
			if strings.Contains(line, `"message_id":"bob_2"`) {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for the critical alert")
		}
	}
}
