package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/internal/vector/milvus"
	"github.com/talentgraph/backend/pkg/logger"
)

// ErrIndexingFailed marks a reindex that left the owner with partial or stale
// coverage. The owner is retried on the next triggering event; queries keep
// serving whatever complete version is in the index.
var ErrIndexingFailed = errors.New("indexing failed")

type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	Insert(ctx context.Context, entries []milvus.IndexEntry) error
	DeleteBelowVersion(ctx context.Context, ownerID string, version int64) error
}

// Indexer chunks committed snapshots, embeds the chunks and swaps them into
// the vector store. Old entries are removed only after the new version is
// fully written, so readers never block on a reindex.
type Indexer struct {
	embedder     Embedder
	store        VectorStore
	chunkSize    int
	chunkOverlap int
}

func NewIndexer(embedder Embedder, store VectorStore, chunkSize, chunkOverlap int) *Indexer {
	return &Indexer{
		embedder:     embedder,
		store:        store,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// Reindex makes the vector store reflect snap. Embedding failures for part of
// the snapshot do not block the chunks that embedded successfully, but partial
// coverage is reported as ErrIndexingFailed so the owner gets retried.
func (ix *Indexer) Reindex(ctx context.Context, snap *models.ProfileSnapshot) error {
	chunks := ix.ChunkSnapshot(snap)

	logger.Info("Reindexing profile",
		zap.String("owner_id", snap.OwnerID),
		zap.Int64("version", snap.Version),
		zap.Int("chunks", len(chunks)),
	)

	embeddings, embedErr := ix.embedder.GenerateBatchEmbeddings(ctx, chunks)
	if len(embeddings) == 0 && embedErr != nil {
		return fmt.Errorf("%w: embedding: %v", ErrIndexingFailed, embedErr)
	}

	entries := make([]milvus.IndexEntry, 0, len(embeddings))
	for i, emb := range embeddings {
		entries = append(entries, milvus.IndexEntry{
			ChunkID:         fmt.Sprintf("%s_v%d_c%d", snap.OwnerID, snap.Version, i),
			OwnerID:         snap.OwnerID,
			SnapshotVersion: snap.Version,
			ChunkText:       chunks[i],
			Embedding:       emb,
		})
	}

	if len(entries) > 0 {
		if err := ix.store.Insert(ctx, entries); err != nil {
			return fmt.Errorf("%w: inserting entries: %v", ErrIndexingFailed, err)
		}
		metrics.ChunksIndexed.Add(float64(len(entries)))
	}

	// Swap-after-write: stale versions go away only once the new entries are in.
	if err := ix.store.DeleteBelowVersion(ctx, snap.OwnerID, snap.Version); err != nil {
		return fmt.Errorf("%w: removing stale entries: %v", ErrIndexingFailed, err)
	}

	if embedErr != nil {
		logger.Warn("Partial embedding coverage",
			zap.String("owner_id", snap.OwnerID),
			zap.Int("embedded", len(embeddings)),
			zap.Int("chunks", len(chunks)),
			zap.Error(embedErr),
		)
		return fmt.Errorf("%w: partial coverage %d/%d", ErrIndexingFailed, len(embeddings), len(chunks))
	}

	logger.Info("Reindex committed",
		zap.String("owner_id", snap.OwnerID),
		zap.Int64("version", snap.Version),
		zap.Int("entries", len(entries)),
	)

	return nil
}

// ChunkSnapshot renders the snapshot into bounded-size text units: the
// narrative split into windows, plus the structured facts rendered as lines.
// A degraded snapshot still indexes its structured facts.
func (ix *Indexer) ChunkSnapshot(snap *models.ProfileSnapshot) []string {
	var chunks []string

	if snap.Narrative != "" {
		chunks = append(chunks, ix.chunkText(snap.Narrative)...)
	}

	if rendered := RenderFacts(snap.StructuredFacts); rendered != "" {
		chunks = append(chunks, ix.chunkText(rendered)...)
	}

	return chunks
}

// RenderFacts formats resolved facts as sorted "field: value" lines so equal
// fact sets always render identically.
func RenderFacts(facts map[string]models.NormalizedFact) string {
	if len(facts) == 0 {
		return ""
	}

	fields := make([]string, 0, len(facts))
	for field := range facts {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&b, "%s: %s\n", field, facts[field].Value)
	}
	return b.String()
}

func (ix *Indexer) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var currentChunk strings.Builder
	currentSize := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if currentSize+wordLen > ix.chunkSize && currentChunk.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(currentChunk.String()))

			overlapWords := strings.Fields(currentChunk.String())
			overlapStart := max(0, len(overlapWords)-ix.chunkOverlap/10)
			currentChunk.Reset()
			currentChunk.WriteString(strings.Join(overlapWords[overlapStart:], " ") + " ")
			currentSize = currentChunk.Len()
		}

		currentChunk.WriteString(word + " ")
		currentSize += wordLen
	}

	if currentChunk.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	return chunks
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
