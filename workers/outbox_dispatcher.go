package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chant-service/metrics"
	"chant-service/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Archiver stores champion audit bundles.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// OutboxDispatcher delivers outbox events to the notification webhook.
// Delivery failures are retried on later polls and never touch engine state.
type OutboxDispatcher struct {
	DB          *gorm.DB
	WebhookURL  string
	HTTPClient  *http.Client
	Archiver    Archiver
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
	Log         *zap.Logger
}

// webhookEnvelope is the body POSTed for every event.
type webhookEnvelope struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	DeliberationID string          `json:"deliberation_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

const defaultClaimLease = 2 * time.Minute

// DispatchOnce drains one batch. Rows are claimed with FOR UPDATE SKIP
// LOCKED and a short lease, then delivered outside any transaction so
// slow webhooks never hold row locks. Several dispatchers can share the
// table; a crashed one releases its rows when the lease runs out.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range events {
		evt := &events[i]
		err := d.deliver(ctx, evt)
		now := time.Now().UTC()
		if err != nil {
			metrics.OutboxFailed.Inc()
			evt.Attempts++
			evt.LastError = err.Error()
			if evt.Attempts >= d.MaxAttempts {
				evt.Failed = true
				evt.ProcessedAt = &now
				d.Log.Error("outbox event abandoned",
					zap.Int64("event_id", evt.ID),
					zap.String("type", evt.Type),
					zap.Int("attempts", evt.Attempts),
					zap.Error(err))
			} else {
				d.Log.Warn("outbox delivery failed",
					zap.Int64("event_id", evt.ID),
					zap.String("type", evt.Type),
					zap.Int("attempts", evt.Attempts),
					zap.Error(err))
			}
		} else {
			metrics.OutboxDelivered.Inc()
			evt.ProcessedAt = &now
			delivered++
		}
		if err := d.DB.WithContext(ctx).Model(evt).Updates(map[string]any{
			"attempts":      evt.Attempts,
			"last_error":    evt.LastError,
			"failed":        evt.Failed,
			"processed_at":  evt.ProcessedAt,
			"archived_at":   evt.ArchivedAt,
			"claimed_until": nil,
		}).Error; err != nil {
			return delivered, fmt.Errorf("update outbox event %d: %w", evt.ID, err)
		}
	}
	return delivered, nil
}

// claim leases the next batch of pending events and commits at once.
func (d *OutboxDispatcher) claim(ctx context.Context) ([]models.OutboxEvent, error) {
	lease := d.Lease
	if lease <= 0 {
		lease = defaultClaimLease
	}
	var events []models.OutboxEvent
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("processed_at IS NULL AND failed = ?", false).
			Where("claimed_until IS NULL OR claimed_until < ?", now).
			Order("id").
			Limit(d.BatchSize).
			Find(&events).Error; err != nil {
			return fmt.Errorf("claim outbox batch: %w", err)
		}
		if len(events) == 0 {
			return nil
		}
		ids := make([]int64, len(events))
		for i := range events {
			ids[i] = events[i].ID
		}
		return tx.Model(&models.OutboxEvent{}).Where("id IN ?", ids).
			Update("claimed_until", now.Add(lease)).Error
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (d *OutboxDispatcher) deliver(ctx context.Context, evt *models.OutboxEvent) error {
	if evt.Type == models.EventChampionDeclared && d.Archiver != nil && evt.ArchivedAt == nil {
		key := fmt.Sprintf("%s/champion-%d.json", evt.DeliberationID, evt.ID)
		stored, err := d.Archiver.Put(ctx, key, evt.Payload, "application/json")
		if err != nil {
			return fmt.Errorf("archive champion: %w", err)
		}
		archived := time.Now().UTC()
		evt.ArchivedAt = &archived
		d.Log.Info("champion archived", zap.String("deliberation_id", evt.DeliberationID), zap.String("key", stored))
	}
	if d.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(webhookEnvelope{
		ID:             evt.ID,
		Type:           evt.Type,
		DeliberationID: evt.DeliberationID,
		Payload:        json.RawMessage(evt.Payload),
		CreatedAt:      evt.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", evt.Type)
	req.Header.Set("X-Event-ID", fmt.Sprint(evt.ID))

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Run polls the outbox until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context, pollInterval time.Duration) {
	d.Log.Info("outbox dispatcher started", zap.Duration("interval", pollInterval))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			n, err := d.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				d.Log.Error("outbox dispatch failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.Log.Debug("outbox events delivered", zap.Int("count", n))
			}
		}
	}
}
