package workers

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chant-service/models"
	"chant-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var pg *testutil.Postgres

func TestMain(m *testing.M) {
	flag.Parse()
	ctx := context.Background()
	if !testing.Short() {
		p, err := testutil.StartPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres unavailable, skipping integration tests: %v\n", err)
		} else {
			pg = p
		}
	}
	code := m.Run()
	if pg != nil {
		_ = pg.Terminate(ctx)
	}
	os.Exit(code)
}

func newDispatcher(t *testing.T, url string) *OutboxDispatcher {
	t.Helper()
	if pg == nil {
		t.Skip("integration test needs postgres")
	}
	require.NoError(t, pg.Reset())
	return &OutboxDispatcher{
		DB:          pg.DB,
		WebhookURL:  url,
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
		BatchSize:   10,
		MaxAttempts: 2,
		Log:         zaptest.NewLogger(t),
	}
}

func enqueue(t *testing.T, eventType string, payload any) models.OutboxEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	evt := models.OutboxEvent{
		DeliberationID: "5b8f7a52-3c39-4a57-9f34-0d4a8f0e2b11",
		Type:           eventType,
		Payload:        datatypes.JSON(raw),
	}
	require.NoError(t, pg.DB.Create(&evt).Error)
	return evt
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "archive/" + key, nil
}

func TestDispatchDeliversInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env webhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		types = append(types, r.Header.Get("X-Event-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newDispatcher(t, srv.URL)
	archive := &fakeArchiver{}
	d.Archiver = archive
	enqueue(t, models.EventVoteCast, map[string]any{"cell_id": "c1"})
	champ := enqueue(t, models.EventChampionDeclared, map[string]any{"question": "q"})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{models.EventVoteCast, models.EventChampionDeclared}, types)
	assert.Equal(t, []string{fmt.Sprintf("%s/champion-%d.json", champ.DeliberationID, champ.ID)}, archive.keys)

	var pending int64
	require.NoError(t, pg.DB.Model(&models.OutboxEvent{}).Where("processed_at IS NULL").Count(&pending).Error)
	assert.Zero(t, pending)

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDispatcher(t, srv.URL)
	evt := enqueue(t, models.EventTierAdvanced, map[string]any{"to_tier": 2})

	for i := 0; i < 3; i++ {
		n, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.EqualValues(t, 2, calls.Load())

	var got models.OutboxEvent
	require.NoError(t, pg.DB.First(&got, "id = ?", evt.ID).Error)
	assert.True(t, got.Failed)
	assert.Equal(t, 2, got.Attempts)
	assert.NotNil(t, got.ProcessedAt)
	assert.Contains(t, got.LastError, "503")
}

func TestDispatchArchiveFailureKeepsEvent(t *testing.T) {
	d := newDispatcher(t, "")
	d.Archiver = &fakeArchiver{err: errors.New("bucket unavailable")}
	evt := enqueue(t, models.EventChampionDeclared, map[string]any{})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var got models.OutboxEvent
	require.NoError(t, pg.DB.First(&got, "id = ?", evt.ID).Error)
	assert.False(t, got.Failed)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ProcessedAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	d := newDispatcher(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, 10*time.Millisecond)
	}()
	enqueue(t, models.EventVoteCast, map[string]any{})

	require.Eventually(t, func() bool {
		var n int64
		pg.DB.Model(&models.OutboxEvent{}).Where("processed_at IS NOT NULL").Count(&n)
		return n == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatchHoldsNoLocksWhileDelivering(t *testing.T) {
	var blocked atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-Event-ID"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err = pg.DB.Transaction(func(tx *gorm.DB) error {
			return tx.Exec("SELECT id FROM outbox_events WHERE id = ? FOR UPDATE NOWAIT", id).Error
		})
		if err != nil {
			blocked.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t, srv.URL)
	enqueue(t, models.EventVoteCast, map[string]any{})
	enqueue(t, models.EventVoteCast, map[string]any{})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, blocked.Load())

	var leased int64
	require.NoError(t, pg.DB.Model(&models.OutboxEvent{}).Where("claimed_until IS NOT NULL").Count(&leased).Error)
	assert.Zero(t, leased)
}

func TestDispatchSkipsLeasedEvents(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t, srv.URL)
	evt := enqueue(t, models.EventVoteCast, map[string]any{})
	require.NoError(t, pg.DB.Model(&evt).Update("claimed_until", time.Now().UTC().Add(time.Minute)).Error)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls.Load())

	require.NoError(t, pg.DB.Model(&evt).Update("claimed_until", time.Now().UTC().Add(-time.Second)).Error)
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWebhookRetryDoesNotArchiveTwice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t, srv.URL)
	d.MaxAttempts = 3
	archive := &fakeArchiver{}
	d.Archiver = archive
	evt := enqueue(t, models.EventChampionDeclared, map[string]any{"question": "q"})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var got models.OutboxEvent
	require.NoError(t, pg.DB.First(&got, "id = ?", evt.ID).Error)
	assert.NotNil(t, got.ArchivedAt)
	assert.Nil(t, got.ProcessedAt)

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, archive.keys, 1)
	assert.EqualValues(t, 2, calls.Load())
}
