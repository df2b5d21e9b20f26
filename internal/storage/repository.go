package storage

import (
	"context"

	"triclip/internal/models"
)

// Repository is the persistence surface consumed by the service layers. The
// JSON-file Storage implements all of it; the Postgres ledger store in
// internal/billing covers the token ledger subset for deployments that need
// durable accounting.
type Repository interface {
	// Upload sessions.
	CreateUploadSession(params CreateUploadSessionParams) (models.UploadSession, error)
	GetUploadSession(id string) (models.UploadSession, bool)
	PutUploadSession(session models.UploadSession) error
	ListUploadSessions() []models.UploadSession
	DeleteUploadSession(id string) error

	// Statement sets.
	EnsureStatementSet(ownerID, draftID, title string) (models.StatementSet, error)
	BindStatement(ownerID, draftID string, index int, sessionID string) (models.StatementSet, error)
	GetStatementSet(ownerID, draftID string) (models.StatementSet, bool)
	GetStatementSetByID(id string) (models.StatementSet, bool)
	ListStatementSets() []models.StatementSet

	// Merge jobs.
	CreateMergeJob(setID string) (models.MergeJob, bool, error)
	GetMergeJob(setID string) (models.MergeJob, bool)
	UpdateMergeJob(setID string, update MergeJobUpdate) (models.MergeJob, error)
	ListMergeJobs(statuses ...models.MergeJobStatus) []models.MergeJob

	// Artifacts.
	PutMediaArtifact(artifact models.MediaArtifact) error
	GetMediaArtifact(id string) (models.MediaArtifact, bool)

	// Token ledger.
	ApplyPurchaseEvent(event models.PurchaseEvent) (models.PurchaseEvent, bool, error)
	SpendTokens(userID string, amount int64, reason string) (models.TokenLedgerEntry, error)
	Balance(userID string) int64
	ListLedgerEntries(userID string) []models.TokenLedgerEntry
	GetPurchaseEvent(eventID string) (models.PurchaseEvent, bool)

	Ping(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
