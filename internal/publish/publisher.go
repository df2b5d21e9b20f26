package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"triclip/internal/models"
)

// Publisher pairs the blob store with the URL signer: the merge pipeline
// pushes artifacts through it and the read path asks it for playback links.
type Publisher struct {
	store      BlobStore
	signer     *URLSigner
	publicBase string
	logger     *slog.Logger
}

// NewPublisher wires a publisher. publicBase is the externally reachable URL
// prefix under which stored keys are served.
func NewPublisher(store BlobStore, signer *URLSigner, publicBase string, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("url signer is required")
	}
	base := strings.TrimRight(strings.TrimSpace(publicBase), "/")
	if base == "" {
		return nil, fmt.Errorf("public base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:      store,
		signer:     signer,
		publicBase: base,
		logger:     logger.With("component", "publish"),
	}, nil
}

// UploadFile stores an artifact file under key and returns its size.
func (p *Publisher) UploadFile(ctx context.Context, key, path, contentType string) (int64, error) {
	size, err := p.store.UploadFile(ctx, key, path, contentType)
	if err != nil {
		return 0, err
	}
	p.logger.Info("artifact published", "key", key, "size_bytes", size)
	return size, nil
}

// Delete removes a stored artifact.
func (p *Publisher) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}

// PlaybackURL mints an expiring signed link for the artifact.
func (p *Publisher) PlaybackURL(artifact models.MediaArtifact) (string, int64) {
	expires, signature := p.signer.Sign(artifact.StorageKey)
	query := url.Values{}
	query.Set("exp", fmt.Sprintf("%d", expires))
	query.Set("sig", signature)
	key := strings.TrimLeft(artifact.StorageKey, "/")
	return fmt.Sprintf("%s/%s?%s", p.publicBase, key, query.Encode()), expires
}

// VerifyPlayback checks the expiry and signature extracted from a playback
// request, for deployments that proxy artifact downloads.
func (p *Publisher) VerifyPlayback(storageKey string, expires int64, signature string) error {
	return p.signer.Verify(storageKey, expires, signature)
}
