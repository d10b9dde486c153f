package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentgraph/backend/internal/events"
	"github.com/talentgraph/backend/internal/normalize"
	"github.com/talentgraph/backend/internal/source"
	"github.com/talentgraph/backend/internal/storage/models"
)

type fakePipelineStore struct {
	mu            sync.Mutex
	sources       map[string]*models.Source
	failed        map[string]string
	rawDocs       []*models.RawDocument
	replacedFacts map[string][]models.NormalizedFact
	userFacts     []*models.NormalizedFact
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{
		sources:       make(map[string]*models.Source),
		failed:        make(map[string]string),
		replacedFacts: make(map[string][]models.NormalizedFact),
	}
}

func (s *fakePipelineStore) UpsertSource(src *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

func (s *fakePipelineStore) GetSource(id string) (*models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[id], nil
}

func (s *fakePipelineStore) ListSourcesByOwner(ownerID string) ([]models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Source
	for _, src := range s.sources {
		if src.OwnerID == ownerID {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (s *fakePipelineStore) MarkSourceFetched(sourceID, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[sourceID]; ok {
		src.LastChecksum = checksum
	}
	return nil
}

func (s *fakePipelineStore) MarkSourceFailed(sourceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[sourceID] = reason
	return nil
}

func (s *fakePipelineStore) InsertRawDocument(doc *models.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawDocs = append(s.rawDocs, doc)
	return nil
}

func (s *fakePipelineStore) ReplaceFactsForSource(ownerID, sourceID string, facts []models.NormalizedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacedFacts[sourceID] = facts
	return nil
}

func (s *fakePipelineStore) UpsertUserFact(fact *models.NormalizedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userFacts = append(s.userFacts, fact)
	return nil
}

type fakeFetcher struct {
	doc *models.RawDocument
	err error
}

func (f *fakeFetcher) Fetch(ctx context.Context, src *models.Source) (*models.RawDocument, error) {
	return f.doc, f.err
}

type fakeExtractor struct {
	result *normalize.Result
}

func (f *fakeExtractor) Normalize(ctx context.Context, src *models.Source, raw *models.RawDocument) *normalize.Result {
	return f.result
}

type fakeGraph struct {
	mu       sync.Mutex
	replaced map[string][]normalize.Endorsement
}

func (g *fakeGraph) ReplaceEndorsements(ctx context.Context, ownerID string, endorsements []normalize.Endorsement) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.replaced == nil {
		g.replaced = make(map[string][]normalize.Endorsement)
	}
	g.replaced[ownerID] = endorsements
	return nil
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	snap  *models.ProfileSnapshot
}

func (b *fakeBuilder) Synthesize(ctx context.Context, ownerID string) (*models.ProfileSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.snap != nil {
		return b.snap, nil
	}
	return &models.ProfileSnapshot{OwnerID: ownerID, Version: int64(b.calls)}, nil
}

func (b *fakeBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeIndexer struct {
	mu       sync.Mutex
	indexed  []int64
	indexErr error
}

func (ix *fakeIndexer) Reindex(ctx context.Context, snap *models.ProfileSnapshot) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.indexErr != nil {
		return ix.indexErr
	}
	ix.indexed = append(ix.indexed, snap.Version)
	return nil
}

func (ix *fakeIndexer) versions() []int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]int64(nil), ix.indexed...)
}

func testRawDoc(owner string) *models.RawDocument {
	return &models.RawDocument{
		ID:        "doc-1",
		SourceID:  "src-1",
		OwnerID:   owner,
		FetchedAt: time.Now(),
		Content:   []byte("payload"),
		Checksum:  "abc123",
	}
}

func TestIngestSourceReplacesFactsAndSynthesizes(t *testing.T) {
	store := newFakePipelineStore()
	builder := &fakeBuilder{}
	graph := &fakeGraph{}
	facts := []models.NormalizedFact{{OwnerID: "alice", FieldName: "skill:rust", Value: "rust"}}
	endorsements := []normalize.Endorsement{{EndorserID: "bob", OwnerID: "alice", Skill: "rust"}}

	p := New(store,
		&fakeFetcher{doc: testRawDoc("alice")},
		&fakeExtractor{result: &normalize.Result{Facts: facts, Endorsements: endorsements}},
		graph, builder, &fakeIndexer{}, events.NewHub())

	src := &models.Source{ID: "src-1", OwnerID: "alice", Type: "endorsement"}
	require.NoError(t, store.UpsertSource(src))

	err := p.IngestSource(context.Background(), src)
	require.NoError(t, err)

	assert.Len(t, store.rawDocs, 1)
	assert.Equal(t, facts, store.replacedFacts["src-1"])
	assert.Equal(t, "abc123", store.sources["src-1"].LastChecksum)
	assert.Equal(t, endorsements, graph.replaced["alice"])
	assert.Equal(t, 1, builder.callCount())
}

func TestIngestSourceUnchangedSkipsSynthesis(t *testing.T) {
	store := newFakePipelineStore()
	builder := &fakeBuilder{}

	p := New(store, &fakeFetcher{doc: nil}, &fakeExtractor{}, &fakeGraph{}, builder, &fakeIndexer{}, events.NewHub())

	err := p.IngestSource(context.Background(), &models.Source{ID: "src-1", OwnerID: "alice"})
	require.NoError(t, err)

	assert.Empty(t, store.rawDocs)
	assert.Equal(t, 0, builder.callCount())
}

func TestIngestSourcePermanentFailureMarksSource(t *testing.T) {
	store := newFakePipelineStore()
	builder := &fakeBuilder{}
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	fetchErr := fmt.Errorf("%w: status 403", source.ErrPermanentFailure)
	p := New(store, &fakeFetcher{err: fetchErr}, &fakeExtractor{}, &fakeGraph{}, builder, &fakeIndexer{}, hub)

	err := p.IngestSource(context.Background(), &models.Source{ID: "src-1", OwnerID: "alice", Type: "resume"})
	require.ErrorIs(t, err, source.ErrPermanentFailure)

	assert.Contains(t, store.failed, "src-1")
	assert.Equal(t, 0, builder.callCount())

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeSourceFailed, ev.Type)
		assert.Equal(t, "alice", ev.OwnerID)
	case <-time.After(time.Second):
		t.Fatal("source failure event not published")
	}
}

func TestIngestSourceTransientFailureLeavesStatus(t *testing.T) {
	store := newFakePipelineStore()
	fetchErr := fmt.Errorf("%w: status 502", source.ErrSourceUnavailable)

	p := New(store, &fakeFetcher{err: fetchErr}, &fakeExtractor{}, &fakeGraph{}, &fakeBuilder{}, &fakeIndexer{}, events.NewHub())

	err := p.IngestSource(context.Background(), &models.Source{ID: "src-1", OwnerID: "alice", Type: "resume"})
	require.ErrorIs(t, err, source.ErrSourceUnavailable)

	// Transient failures keep last-known state; only permanent ones flip status.
	assert.NotContains(t, store.failed, "src-1")
}

func TestEditFactStoresUserFactAndSynthesizes(t *testing.T) {
	store := newFakePipelineStore()
	builder := &fakeBuilder{}

	p := New(store, &fakeFetcher{}, &fakeExtractor{}, &fakeGraph{}, builder, &fakeIndexer{}, events.NewHub())

	snap, err := p.EditFact(context.Background(), "alice", "title", "Staff Engineer")
	require.NoError(t, err)
	require.NotNil(t, snap)

	require.Len(t, store.userFacts, 1)
	fact := store.userFacts[0]
	assert.Equal(t, "title", fact.FieldName)
	assert.Equal(t, "Staff Engineer", fact.Value)
	assert.Equal(t, models.ProvenanceUserDeclared, fact.Provenance)
	assert.Equal(t, 1.0, fact.Confidence)
	assert.Equal(t, 1, builder.callCount())
}

func TestRefreshOwnerSynthesizesOnceForManySources(t *testing.T) {
	store := newFakePipelineStore()
	builder := &fakeBuilder{}

	for i := 0; i < 3; i++ {
		store.sources[fmt.Sprintf("src-%d", i)] = &models.Source{
			ID:      fmt.Sprintf("src-%d", i),
			OwnerID: "alice",
			Type:    "resume",
		}
	}

	doc := testRawDoc("alice")
	p := New(store, &fakeFetcher{doc: doc},
		&fakeExtractor{result: &normalize.Result{}}, &fakeGraph{}, builder, &fakeIndexer{}, events.NewHub())

	snap, err := p.RefreshOwner(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, 1, builder.callCount())
	assert.Len(t, store.rawDocs, 3)
}

func TestOnSnapshotCommittedIndexesAndAnnounces(t *testing.T) {
	store := newFakePipelineStore()
	indexer := &fakeIndexer{}
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	p := New(store, &fakeFetcher{}, &fakeExtractor{}, &fakeGraph{}, &fakeBuilder{}, indexer, hub)

	snap := &models.ProfileSnapshot{OwnerID: "alice", Version: 2}
	p.OnSnapshotCommitted(snap)

	var got []events.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}

	assert.Equal(t, events.TypeSnapshotCommitted, got[0].Type)
	assert.Equal(t, events.TypeProfileIndexed, got[1].Type)
	assert.Equal(t, []int64{2}, indexer.versions())
}

func TestIndexSnapshotSkipsRegressedVersions(t *testing.T) {
	store := newFakePipelineStore()
	indexer := &fakeIndexer{}

	p := New(store, &fakeFetcher{}, &fakeExtractor{}, &fakeGraph{}, &fakeBuilder{}, indexer, events.NewHub())

	p.indexSnapshot(&models.ProfileSnapshot{OwnerID: "alice", Version: 5})
	p.indexSnapshot(&models.ProfileSnapshot{OwnerID: "alice", Version: 4})
	p.indexSnapshot(&models.ProfileSnapshot{OwnerID: "alice", Version: 5})

	assert.Equal(t, []int64{5}, indexer.versions())
}
