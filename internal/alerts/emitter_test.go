package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/artifacts"
	"github.com/peterwi/project-f/internal/config"
	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/infrastructure/httpclient"
	"github.com/peterwi/project-f/internal/infrastructure/providers"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

var fixed = time.Date(2026, 1, 12, 14, 5, 9, 0, time.UTC)

type failingRepo struct{}

func (failingRepo) Record(context.Context, domain.Alert) error { return errors.New("db down") }
func (failingRepo) RecordDelivery(context.Context, domain.DeliveryReceipt) error {
	return errors.New("db down")
}

func TestAlertID(t *testing.T) {
	assert.Equal(t, "20260112T140509Z-DATA_QUALITY_FAIL-run-1", AlertID(fixed, domain.AlertDataQualityFail, "run-1", "t-1"))
	assert.Equal(t, "20260112T140509Z-CONFIRMATION_MISSING-t-1", AlertID(fixed, domain.AlertConfirmationMissing, "", "t-1"))
	assert.Equal(t, "20260112T140509Z-SCHEDULER_MISFIRE-none", AlertID(fixed, domain.AlertSchedulerMisfire, " ", ""))
}

func TestEmitWithoutSinkIsSkipped(t *testing.T) {
	store := memstore.New()
	em := NewEmitter(artifacts.New(t.TempDir()), store.Repository().Alerts, nil, false).WithClock(func() time.Time { return fixed })

	out, err := em.Emit(context.Background(), Input{
		Type:     domain.AlertConfirmationMissing,
		RunID:    "run-2",
		TicketID: "ticket-1",
		Summary:  "ticket ticket-1 has 1 of 3 lines confirmed",
		Details:  map[string]interface{}{"missing_sequences": []int{2, 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SeverityWarn, out.Alert.Severity)
	assert.FileExists(t, filepath.Join(out.Dir, "alert.json"))
	assert.FileExists(t, filepath.Join(out.Dir, "alert.md"))
	assert.FileExists(t, filepath.Join(out.Dir, "delivery.json"))
	assert.Contains(t, out.Document.NextOperatorAction, "ticket_id=ticket-1")

	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, "none", out.Deliveries[0].Sink)
	assert.Equal(t, domain.DeliverySkipped, out.Deliveries[0].Status)

	indexed := store.Alerts()
	require.Len(t, indexed, 1)
	assert.Equal(t, out.Alert.AlertID, indexed[0].AlertID)
	assert.Len(t, store.Deliveries(out.Alert.AlertID), 1)

	md, err := os.ReadFile(filepath.Join(out.Dir, "alert.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# ALERT: CONFIRMATION_MISSING (WARN)")
	assert.Contains(t, string(md), "\"missing_sequences\"")
}

func TestEmitDryRunNeverCallsSink(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	em := NewEmitter(artifacts.New(t.TempDir()), nil, []Sink{NewWebhookSink(server.URL, time.Second)}, true)
	out, err := em.Emit(context.Background(), Input{Type: domain.AlertDataQualityFail, RunID: "run-1", Summary: "coverage 90%"})
	require.NoError(t, err)

	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, domain.DeliveryWouldSend, out.Deliveries[0].Status)
	assert.True(t, out.Deliveries[0].DryRun)
	assert.Zero(t, calls)
}

func TestEmitWebhookSent(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	em := NewEmitter(artifacts.New(t.TempDir()), nil, []Sink{Guard(NewWebhookSink(server.URL, time.Second), 10)}, false)
	out, err := em.Emit(context.Background(), Input{Type: domain.AlertRiskGuardBlocked, RunID: "run-1", Summary: "RISK_LIMIT_VIOLATION:TURNOVER_CAP"})
	require.NoError(t, err)

	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, domain.DeliverySent, out.Deliveries[0].Status)
	assert.Contains(t, got["next_operator_action"], "run_id=run-1")
}

func TestEmitTelegramFailureKeepsPrimary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "chat", r.URL.Query().Get("chat_id"))
		assert.Equal(t, "HTML", r.URL.Query().Get("parse_mode"))
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"description": "chat not found"})
	}))
	defer server.Close()

	sink := &TelegramSink{botToken: "token", chatID: "chat", httpClient: httpclient.New(httpclient.DefaultConfig(time.Second), server.Client()), baseURL: server.URL}
	em := NewEmitter(artifacts.New(t.TempDir()), failingRepo{}, []Sink{sink}, false)

	out, err := em.Emit(context.Background(), Input{Type: domain.AlertInternalError, Summary: "panic in riskguard"})
	require.NoError(t, err)

	assert.Equal(t, domain.SeverityError, out.Alert.Severity)
	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, domain.DeliveryFailed, out.Deliveries[0].Status)
	assert.Contains(t, out.Deliveries[0].Error, "chat not found")
	assert.FileExists(t, filepath.Join(out.Dir, "alert.json"))
}

func TestEmitSameSecondKeepsBothAlerts(t *testing.T) {
	store := memstore.New()
	em := NewEmitter(artifacts.New(t.TempDir()), store.Repository().Alerts, nil, false).WithClock(func() time.Time { return fixed })

	first, err := em.Emit(context.Background(), Input{Type: domain.AlertSchedulerMisfire, Summary: "first missed"})
	require.NoError(t, err)
	second, err := em.Emit(context.Background(), Input{Type: domain.AlertSchedulerMisfire, Summary: "second missed"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Dir, second.Dir)
	assert.Equal(t, "20260112T140509Z-SCHEDULER_MISFIRE-none", first.Alert.AlertID)
	assert.Equal(t, "20260112T140509Z-SCHEDULER_MISFIRE-none_1", second.Alert.AlertID)
	assert.Equal(t, filepath.Base(second.Dir), second.Alert.AlertID)

	body, err := os.ReadFile(filepath.Join(first.Dir, "alert.json"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "first missed", doc.Summary)
	assert.Equal(t, first.Alert.AlertID, doc.AlertID)

	assert.Len(t, store.Alerts(), 2)
}

func TestEmitFailsWhenArtifactCannotBeWritten(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0644))

	em := NewEmitter(artifacts.New(root), nil, nil, false)
	_, err := em.Emit(context.Background(), Input{Type: domain.AlertSchedulerMisfire, Summary: "missed"})
	assert.Error(t, err)

	_, err = em.Emit(context.Background(), Input{Type: "BOGUS"})
	assert.Error(t, err)
}

func TestGuardTripsAndLimits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := Guard(NewWebhookSink(server.URL, time.Second), 100)
	alert := domain.Alert{AlertID: "a", AlertType: domain.AlertInternalError}
	for i := 0; i < 3; i++ {
		assert.Error(t, sink.Send(context.Background(), alert, ""))
	}
	err := sink.Send(context.Background(), alert, "")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), err)

	limited := Guard(NewWebhookSink(server.URL, time.Second), 1)
	_ = limited.Send(context.Background(), alert, "")
	err = limited.Send(context.Background(), alert, "")
	assert.True(t, errors.Is(err, providers.ErrRateLimited), err)
}

func TestSinksFromConfig(t *testing.T) {
	sinks, err := SinksFromConfig(config.AlertsConfig{SecondarySink: "none"})
	require.NoError(t, err)
	assert.Empty(t, sinks)

	sinks, err = SinksFromConfig(config.AlertsConfig{SecondarySink: "telegram", TelegramBotToken: "x", TelegramChatID: "y", RatePerMinute: 5})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "telegram", sinks[0].Name())

	_, err = SinksFromConfig(config.AlertsConfig{SecondarySink: "pager"})
	assert.Error(t, err)
}
