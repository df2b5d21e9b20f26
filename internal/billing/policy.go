package billing

import (
	"errors"
	"fmt"

	"triclip/internal/models"
)

// ErrUnknownEventType marks event types this service does not handle.
// Deliveries carrying one are acknowledged without a ledger mutation so the
// provider stops retrying them.
var ErrUnknownEventType = errors.New("unknown purchase event type")

// DeltaPolicy maps purchase event types to token deltas. Consumable grants
// carry their amount in the event payload; subscription events use the fixed
// amounts configured here.
type DeltaPolicy struct {
	SubscriptionRenewalTokens int64
}

// DefaultDeltaPolicy grants 120 tokens per subscription renewal.
func DefaultDeltaPolicy() DeltaPolicy {
	return DeltaPolicy{SubscriptionRenewalTokens: 120}
}

// Delta resolves the ledger delta for an event. Cancellations apply with a
// zero delta: already granted tokens are never clawed back, but the event is
// still recorded so replays stay idempotent.
func (p DeltaPolicy) Delta(eventType models.PurchaseEventType, payloadTokens int64) (int64, error) {
	switch eventType {
	case models.EventSubscriptionRenewed:
		return p.SubscriptionRenewalTokens, nil
	case models.EventSubscriptionCancelled:
		return 0, nil
	case models.EventConsumableGranted:
		if payloadTokens <= 0 {
			return 0, fmt.Errorf("consumable grant requires a positive token amount")
		}
		return payloadTokens, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownEventType, eventType)
	}
}
