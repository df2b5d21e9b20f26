package storage

import (
	"fmt"
	"strings"
	"time"

	"triclip/internal/models"
)

// ApplyPurchaseEvent atomically checks whether the event was already applied
// and, if not, appends a ledger entry and marks it applied. The returned bool
// reports whether this call performed the mutation; a duplicate returns the
// stored event with applied=false and no error, since replays are expected.
func (s *Storage) ApplyPurchaseEvent(event models.PurchaseEvent) (models.PurchaseEvent, bool, error) {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return models.PurchaseEvent{}, false, fmt.Errorf("eventId is required")
	}
	userID := strings.TrimSpace(event.UserID)
	if userID == "" {
		return models.PurchaseEvent{}, false, fmt.Errorf("userId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data.AppliedEvents[eventID]; ok {
		return existing, false, nil
	}

	now := time.Now().UTC()
	event.EventID = eventID
	event.UserID = userID
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	applied := now
	event.AppliedAt = &applied

	var entry *models.TokenLedgerEntry
	if event.DeltaTokens != 0 {
		id, err := generateID()
		if err != nil {
			return models.PurchaseEvent{}, false, err
		}
		balance := s.balanceLocked(userID) + event.DeltaTokens
		entry = &models.TokenLedgerEntry{
			ID:        id,
			UserID:    userID,
			Delta:     event.DeltaTokens,
			Balance:   balance,
			SourceID:  eventID,
			Reason:    string(event.Type),
			CreatedAt: now,
		}
		s.data.LedgerEntries[userID] = append(s.data.LedgerEntries[userID], *entry)
	}
	s.data.AppliedEvents[eventID] = event

	if err := s.persist(); err != nil {
		delete(s.data.AppliedEvents, eventID)
		if entry != nil {
			entries := s.data.LedgerEntries[userID]
			s.data.LedgerEntries[userID] = entries[:len(entries)-1]
		}
		return models.PurchaseEvent{}, false, err
	}
	return event, true, nil
}

// SpendTokens debits amount from the user's balance. The debit is rejected
// with ErrInsufficientBalance when the balance would go negative.
func (s *Storage) SpendTokens(userID string, amount int64, reason string) (models.TokenLedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.TokenLedgerEntry{}, fmt.Errorf("userId is required")
	}
	if amount <= 0 {
		return models.TokenLedgerEntry{}, fmt.Errorf("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.balanceLocked(userID)
	if balance < amount {
		return models.TokenLedgerEntry{}, ErrInsufficientBalance
	}
	id, err := generateID()
	if err != nil {
		return models.TokenLedgerEntry{}, err
	}
	entry := models.TokenLedgerEntry{
		ID:        id,
		UserID:    userID,
		Delta:     -amount,
		Balance:   balance - amount,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: time.Now().UTC(),
	}
	s.data.LedgerEntries[userID] = append(s.data.LedgerEntries[userID], entry)
	if err := s.persist(); err != nil {
		entries := s.data.LedgerEntries[userID]
		s.data.LedgerEntries[userID] = entries[:len(entries)-1]
		return models.TokenLedgerEntry{}, err
	}
	return entry, nil
}

// Balance returns the user's current token balance.
func (s *Storage) Balance(userID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(strings.TrimSpace(userID))
}

func (s *Storage) balanceLocked(userID string) int64 {
	entries := s.data.LedgerEntries[userID]
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Balance
}

// ListLedgerEntries returns the user's ledger in append order.
func (s *Storage) ListLedgerEntries(userID string) []models.TokenLedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.data.LedgerEntries[strings.TrimSpace(userID)]
	entries := make([]models.TokenLedgerEntry, len(stored))
	copy(entries, stored)
	return entries
}

// GetPurchaseEvent returns a processed event by id.
func (s *Storage) GetPurchaseEvent(eventID string) (models.PurchaseEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.data.AppliedEvents[strings.TrimSpace(eventID)]
	return event, ok
}
