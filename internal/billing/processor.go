package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"triclip/internal/models"
	"triclip/internal/observability/metrics"
)

var (
	// ErrBadSignature marks a webhook delivery whose signature does not match
	// the shared secret. The payload must be discarded unprocessed.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// LedgerStore is the persistence subset the processor needs. Both the JSON
// datastore and the Postgres ledger store satisfy it.
type LedgerStore interface {
	ApplyPurchaseEvent(event models.PurchaseEvent) (models.PurchaseEvent, bool, error)
	SpendTokens(userID string, amount int64, reason string) (models.TokenLedgerEntry, error)
	Balance(userID string) int64
	ListLedgerEntries(userID string) []models.TokenLedgerEntry
	GetPurchaseEvent(eventID string) (models.PurchaseEvent, bool)
}

// Deduper answers whether an event id was already observed. It is a fast-path
// filter in front of the store's own applied-events check, never the source
// of truth: a deduper failure degrades to the store check.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// ProcessorConfig wires a webhook processor.
type ProcessorConfig struct {
	Store  LedgerStore
	Dedup  Deduper
	Secret string
	Policy DeltaPolicy
	Logger *slog.Logger
}

// Processor verifies, deduplicates and applies purchase provider webhooks.
type Processor struct {
	store  LedgerStore
	dedup  Deduper
	key    []byte
	policy DeltaPolicy
	logger *slog.Logger
}

// NewProcessor derives the webhook verification key from cfg.Secret and
// builds the processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte("purchase-webhook-verification"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive webhook key: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:  cfg.Store,
		dedup:  cfg.Dedup,
		key:    key,
		policy: cfg.Policy,
		logger: logger.With("component", "billing"),
	}, nil
}

// webhookPayload is the provider's delivery shape. Unknown fields are
// tolerated so provider-side additions never break ingestion.
type webhookPayload struct {
	EventID     string `json:"eventId"`
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DeltaTokens int64  `json:"deltaTokens"`
	OccurredAt  string `json:"occurredAt"`
}

// Result reports one processed delivery.
type Result struct {
	Event models.PurchaseEvent
	// Applied is false for duplicate deliveries, which still succeed.
	Applied bool
}

// HandleDelivery verifies the signature over the raw body, parses the event
// and applies it exactly once. Duplicate deliveries return the stored event
// with Applied=false and no error.
func (p *Processor) HandleDelivery(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := p.verify(body, signature); err != nil {
		metrics.Default().ObserveWebhook("rejected", 0)
		return Result{}, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.Default().ObserveWebhook("rejected", 0)
		return Result{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	eventID := strings.TrimSpace(payload.EventID)
	if eventID == "" {
		metrics.Default().ObserveWebhook("rejected", 0)
		return Result{}, fmt.Errorf("eventId is required")
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		metrics.Default().ObserveWebhook("rejected", 0)
		return Result{}, fmt.Errorf("userId is required")
	}
	eventType := models.PurchaseEventType(strings.TrimSpace(payload.Type))
	delta, err := p.policy.Delta(eventType, payload.DeltaTokens)
	if errors.Is(err, ErrUnknownEventType) {
		metrics.Default().ObserveWebhook("ignored", 0)
		p.logger.Warn("ignoring unhandled purchase event type",
			"event_id", eventID, "type", string(eventType))
		return Result{
			Event: models.PurchaseEvent{
				EventID:    eventID,
				Type:       eventType,
				UserID:     userID,
				ReceivedAt: time.Now().UTC(),
			},
		}, nil
	}
	if err != nil {
		metrics.Default().ObserveWebhook("rejected", 0)
		return Result{}, err
	}

	if p.dedup != nil {
		seen, err := p.dedup.Seen(ctx, eventID)
		if err != nil {
			p.logger.Warn("dedup check failed, falling through to store", "event_id", eventID, "error", err)
		} else if seen {
			if stored, ok := p.store.GetPurchaseEvent(eventID); ok {
				metrics.Default().ObserveWebhook("duplicate", 0)
				return Result{Event: stored, Applied: false}, nil
			}
			// Seen in the cache but not in the store: an earlier apply never
			// committed. Fall through so the event is not lost.
		}
	}

	event := models.PurchaseEvent{
		EventID:     eventID,
		Type:        eventType,
		UserID:      userID,
		DeltaTokens: delta,
		ReceivedAt:  time.Now().UTC(),
	}
	stored, applied, err := p.store.ApplyPurchaseEvent(event)
	if err != nil {
		return Result{}, err
	}
	if applied {
		metrics.Default().ObserveWebhook("applied", stored.DeltaTokens)
		p.logger.Info("purchase event applied",
			"event_id", eventID,
			"type", string(eventType),
			"user_id", userID,
			"delta_tokens", delta)
	} else {
		metrics.Default().ObserveWebhook("duplicate", 0)
		p.logger.Info("duplicate purchase event ignored", "event_id", eventID)
	}
	return Result{Event: stored, Applied: applied}, nil
}

func (p *Processor) verify(body []byte, signature string) error {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}

// SignPayload produces the hex signature a trusted caller would attach to a
// delivery. Used by provider simulators and tests.
func (p *Processor) SignPayload(body []byte) string {
	mac := hmac.New(sha256.New, p.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
