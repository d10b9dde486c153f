package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/events"
	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/normalize"
	"github.com/talentgraph/backend/internal/source"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/logger"
)

// Store is the slice of the storage layer the pipeline drives.
type Store interface {
	UpsertSource(src *models.Source) error
	GetSource(id string) (*models.Source, error)
	ListSourcesByOwner(ownerID string) ([]models.Source, error)
	MarkSourceFetched(sourceID, checksum string) error
	MarkSourceFailed(sourceID, reason string) error
	InsertRawDocument(doc *models.RawDocument) error
	ReplaceFactsForSource(ownerID, sourceID string, facts []models.NormalizedFact) error
	UpsertUserFact(fact *models.NormalizedFact) error
}

type Fetcher interface {
	Fetch(ctx context.Context, src *models.Source) (*models.RawDocument, error)
}

type FactExtractor interface {
	Normalize(ctx context.Context, src *models.Source, raw *models.RawDocument) *normalize.Result
}

// EndorsementGraph mirrors who-endorses-whom edges. Failures here degrade
// ranking quality, not correctness, so the pipeline tolerates them.
type EndorsementGraph interface {
	ReplaceEndorsements(ctx context.Context, ownerID string, endorsements []normalize.Endorsement) error
}

type ProfileBuilder interface {
	Synthesize(ctx context.Context, ownerID string) (*models.ProfileSnapshot, error)
}

type SnapshotIndexer interface {
	Reindex(ctx context.Context, snap *models.ProfileSnapshot) error
}

// Pipeline drives the ingest path: fetch, normalize, persist facts, synthesize,
// index. A failure in one owner's pipeline never touches another owner.
type Pipeline struct {
	store        Store
	fetcher      Fetcher
	extractor    FactExtractor
	graph        EndorsementGraph
	builder      ProfileBuilder
	indexer      SnapshotIndexer
	hub          *events.Hub
	indexTimeout time.Duration

	mu          sync.Mutex
	ownerLocks  map[string]*sync.Mutex
	lastIndexed map[string]int64
}

func New(store Store, fetcher Fetcher, extractor FactExtractor, graph EndorsementGraph, builder ProfileBuilder, indexer SnapshotIndexer, hub *events.Hub) *Pipeline {
	return &Pipeline{
		store:        store,
		fetcher:      fetcher,
		extractor:    extractor,
		graph:        graph,
		builder:      builder,
		indexer:      indexer,
		hub:          hub,
		indexTimeout: 2 * time.Minute,
		ownerLocks:   make(map[string]*sync.Mutex),
		lastIndexed:  make(map[string]int64),
	}
}

// AddSource registers a source for an owner and kicks off its first ingest in
// the background. The source record is returned immediately; profile changes
// surface through the event stream once synthesis commits.
func (p *Pipeline) AddSource(ctx context.Context, ownerID, sourceType, ref string) (*models.Source, error) {
	src := &models.Source{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Ref:       ref,
		Type:      sourceType,
		Status:    models.SourceStatusActive,
		CreatedAt: time.Now(),
	}

	if err := p.store.UpsertSource(src); err != nil {
		return nil, fmt.Errorf("failed to register source: %w", err)
	}

	logger.Info("Source registered",
		zap.String("source_id", src.ID),
		zap.String("owner_id", ownerID),
		zap.String("type", sourceType),
	)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := p.IngestSource(ctx, src); err != nil {
			logger.Error("Background ingest failed",
				zap.String("source_id", src.ID),
				zap.String("owner_id", ownerID),
				zap.Error(err),
			)
		}
	}()

	return src, nil
}

// IngestSource fetches one source and, if its content changed, rebuilds the
// owner's profile.
func (p *Pipeline) IngestSource(ctx context.Context, src *models.Source) error {
	changed, err := p.fetchAndStore(ctx, src)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	_, err = p.builder.Synthesize(ctx, src.OwnerID)
	return err
}

// RefreshOwner re-fetches every source the owner has declared, then runs a
// single synthesis over the combined fact set. Individual source failures are
// collected, not fatal: the profile is rebuilt from whatever succeeded.
func (p *Pipeline) RefreshOwner(ctx context.Context, ownerID string) (*models.ProfileSnapshot, error) {
	sources, err := p.store.ListSourcesByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	anyChanged := false
	var fetchErrs []error
	for i := range sources {
		changed, err := p.fetchAndStore(ctx, &sources[i])
		if err != nil {
			fetchErrs = append(fetchErrs, err)
			continue
		}
		if changed {
			anyChanged = true
		}
	}

	if !anyChanged && len(fetchErrs) == len(sources) && len(sources) > 0 {
		return nil, fmt.Errorf("all sources failed: %w", errors.Join(fetchErrs...))
	}
	if !anyChanged {
		logger.Debug("No source changed, skipping synthesis", zap.String("owner_id", ownerID))
		return nil, nil
	}

	return p.builder.Synthesize(ctx, ownerID)
}

// EditFact records a user-declared value for one field and rebuilds the
// profile. User facts carry confidence 1.0, so they win resolution over any
// source-derived value for the same field.
func (p *Pipeline) EditFact(ctx context.Context, ownerID, field, value string) (*models.ProfileSnapshot, error) {
	fact := normalize.UserFact(ownerID, field, value)
	if err := p.store.UpsertUserFact(fact); err != nil {
		return nil, fmt.Errorf("failed to store user fact: %w", err)
	}

	logger.Info("User fact recorded",
		zap.String("owner_id", ownerID),
		zap.String("field", field),
	)

	return p.builder.Synthesize(ctx, ownerID)
}

func (p *Pipeline) fetchAndStore(ctx context.Context, src *models.Source) (bool, error) {
	doc, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		if errors.Is(err, source.ErrPermanentFailure) {
			metrics.SourceFetches.WithLabelValues(src.Type, "permanent_failure").Inc()
			if markErr := p.store.MarkSourceFailed(src.ID, err.Error()); markErr != nil {
				logger.Error("Failed to record source failure", zap.String("source_id", src.ID), zap.Error(markErr))
			}
			p.hub.Publish(events.Event{
				Type:    events.TypeSourceFailed,
				OwnerID: src.OwnerID,
				Detail:  src.ID,
			})
		} else {
			metrics.SourceFetches.WithLabelValues(src.Type, "unavailable").Inc()
		}
		return false, err
	}

	if doc == nil {
		metrics.SourceFetches.WithLabelValues(src.Type, "unchanged").Inc()
		return false, nil
	}
	metrics.SourceFetches.WithLabelValues(src.Type, "fetched").Inc()

	if err := p.store.InsertRawDocument(doc); err != nil {
		return false, fmt.Errorf("failed to persist raw document: %w", err)
	}
	if err := p.store.MarkSourceFetched(src.ID, doc.Checksum); err != nil {
		return false, fmt.Errorf("failed to update source state: %w", err)
	}

	res := p.extractor.Normalize(ctx, src, doc)
	metrics.FactsExtracted.WithLabelValues(src.Type).Add(float64(len(res.Facts)))

	if err := p.store.ReplaceFactsForSource(src.OwnerID, src.ID, res.Facts); err != nil {
		return false, fmt.Errorf("failed to replace facts: %w", err)
	}

	if len(res.Endorsements) > 0 && p.graph != nil {
		if err := p.graph.ReplaceEndorsements(ctx, src.OwnerID, res.Endorsements); err != nil {
			logger.Warn("Endorsement graph update failed",
				zap.String("owner_id", src.OwnerID),
				zap.Error(err),
			)
		}
	}

	return true, nil
}

// OnSnapshotCommitted is wired as the synthesizer's commit hook. It announces
// the snapshot and schedules indexing off the synthesis goroutine.
func (p *Pipeline) OnSnapshotCommitted(snap *models.ProfileSnapshot) {
	p.hub.Publish(events.Event{
		Type:    events.TypeSnapshotCommitted,
		OwnerID: snap.OwnerID,
		Version: snap.Version,
	})

	go p.indexSnapshot(snap)
}

// indexSnapshot serializes index writes per owner. Commits arrive in version
// order per owner (synthesis is single-flight), and the lastIndexed guard
// drops any write that would regress the indexed version.
func (p *Pipeline) indexSnapshot(snap *models.ProfileSnapshot) {
	lock := p.ownerLock(snap.OwnerID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	last := p.lastIndexed[snap.OwnerID]
	p.mu.Unlock()
	if snap.Version <= last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.indexTimeout)
	defer cancel()

	start := time.Now()
	err := p.indexer.Reindex(ctx, snap)
	metrics.IndexDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("Snapshot indexing failed",
			zap.String("owner_id", snap.OwnerID),
			zap.Int64("version", snap.Version),
			zap.Error(err),
		)
		return
	}

	p.mu.Lock()
	p.lastIndexed[snap.OwnerID] = snap.Version
	p.mu.Unlock()

	p.hub.Publish(events.Event{
		Type:    events.TypeProfileIndexed,
		OwnerID: snap.OwnerID,
		Version: snap.Version,
	})
}

func (p *Pipeline) ownerLock(ownerID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.ownerLocks[ownerID]
	if !ok {
		lock = &sync.Mutex{}
		p.ownerLocks[ownerID] = lock
	}
	return lock
}
