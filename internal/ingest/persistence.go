package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/david/grant-ingest/internal/ai"
	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
)

const (
	maxEmbeddingText = 8000
	// embeddingDims matches the grants.embedding vector column.
	embeddingDims = 768
	// defaultedDeadlineRefresh bounds how far a stored open-ended deadline
	// may fall behind the rolling default.
	defaultedDeadlineRefresh = 30 * 24 * time.Hour
)

// Persister applies normalized records to the store with checksum-based
// change detection.
type Persister struct {
	store    db.GrantRepository
	embedder ai.Embedder
	now      func() time.Time
}

// NewPersister builds a Persister. embedder may be nil.
func NewPersister(store db.GrantRepository, embedder ai.Embedder) *Persister {
	return &Persister{store: store, embedder: embedder, now: time.Now}
}

// UpsertIfChanged stores n and its raw payload under (sourceID, n.ExternalID).
// A record whose checksum matches the stored one and that already owns a
// Grant causes no writes at all.
//
// A raw record without a linked Grant is repaired: the Grant is created and
// linked, and the outcome is NEW. An unchanged open-ended record is rewritten
// (UPDATED) once its defaulted deadline is older than defaultedDeadlineRefresh.
func (p *Persister) UpsertIfChanged(ctx context.Context, sourceID uuid.UUID, n models.NormalizedGrant, payload any) (Outcome, error) {
	if n.ExternalID == "" {
		return "", errors.New("normalized grant has no external id")
	}
	checksum := Checksum(n)

	existing, err := p.store.FindRawGrant(ctx, sourceID, n.ExternalID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		existing = nil
	case err != nil:
		return "", err
	}

	now := p.now().UTC()
	if existing != nil && existing.Checksum == checksum && existing.Linked() && !staleDefaultedDeadline(n, existing, now) {
		return OutcomeUnchanged, nil
	}

	rawData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode raw payload: %w", err)
	}
	embedding := p.embed(ctx, n)

	var outcome Outcome
	err = p.inTx(ctx, func(repo db.GrantRepository) error {
		var txErr error
		outcome, txErr = p.apply(ctx, repo, sourceID, existing, n, rawData, checksum, embedding, now)
		return txErr
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func staleDefaultedDeadline(n models.NormalizedGrant, raw *models.RawGrant, now time.Time) bool {
	if !n.DeadlineDefaulted || raw.NormalizedAt == nil {
		return false
	}
	return now.Sub(*raw.NormalizedAt) >= defaultedDeadlineRefresh
}

func (p *Persister) inTx(ctx context.Context, fn func(db.GrantRepository) error) error {
	if tx, ok := p.store.(db.GrantTransactor); ok {
		return tx.InGrantTx(ctx, fn)
	}
	return fn(p.store)
}

func (p *Persister) apply(
	ctx context.Context,
	repo db.GrantRepository,
	sourceID uuid.UUID,
	existing *models.RawGrant,
	n models.NormalizedGrant,
	rawData json.RawMessage,
	checksum string,
	embedding []float32,
	now time.Time,
) (Outcome, error) {
	raw := existing
	if raw == nil {
		raw = &models.RawGrant{
			SourceID:   sourceID,
			ExternalID: n.ExternalID,
			RawData:    rawData,
			Checksum:   checksum,
			Status:     models.RawFetched,
		}
		if err := repo.CreateRawGrant(ctx, raw); err != nil {
			return "", err
		}
	} else {
		raw.RawData = rawData
		raw.Checksum = checksum
	}

	outcome := OutcomeUpdated
	if raw.Linked() {
		update := models.UpdateFromNormalized(n, now)
		update.Embedding = embedding
		err := repo.UpdateGrant(ctx, *raw.GrantID, update)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
		if err != nil {
			log.Printf("[Persist] Grant %s linked from %s is gone, recreating", raw.GrantID, n.ExternalID)
			raw.GrantID = nil
		}
	}

	if !raw.Linked() {
		if existing != nil {
			log.Printf("[Persist] Repairing unlinked raw grant %s", n.ExternalID)
		}
		g := models.GrantFromNormalized(sourceID, n, now)
		g.Embedding = embedding
		if err := repo.CreateGrant(ctx, g); err != nil {
			return "", err
		}
		raw.GrantID = &g.ID
		outcome = OutcomeNew
	}

	raw.Status = models.RawNormalized
	raw.NormalizedAt = &now
	if err := repo.UpdateRawGrant(ctx, raw); err != nil {
		return "", err
	}
	return outcome, nil
}

// embed returns an embedding of the grant text, or nil when no embedder is
// configured or the call failed.
func (p *Persister) embed(ctx context.Context, n models.NormalizedGrant) []float32 {
	if p.embedder == nil {
		return nil
	}
	text := truncateRunes(n.Title+"\n"+n.Description, maxEmbeddingText)
	vec, err := p.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		log.Printf("[Persist] Failed to generate embedding for %q: %v", n.Title, err)
		return nil
	}
	if len(vec) != embeddingDims {
		log.Printf("[Persist] Discarding %d-dimensional embedding for %q", len(vec), n.Title)
		return nil
	}
	return vec
}
