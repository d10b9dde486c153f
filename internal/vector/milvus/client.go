package milvus

import (
	"context"
	"fmt"
	"math"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/pkg/logger"
)

// Client stores profile chunks keyed by owner and snapshot version. Similarity
// is inner product over L2-normalized vectors, i.e. cosine, fixed system-wide.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// IndexEntry is one embedded chunk of a profile snapshot.
type IndexEntry struct {
	ChunkID         string
	OwnerID         string
	SnapshotVersion int64
	ChunkText       string
	Embedding       []float32
}

type SearchHit struct {
	ChunkID         string
	OwnerID         string
	SnapshotVersion int64
	ChunkText       string
	Score           float32
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Profile snapshot chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "96",
				},
			},
			{
				Name:     "owner_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "snapshot_version",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "chunk_text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "4096",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, _ := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Insert writes new-version entries. Vectors are normalized on the way in so
// the IP metric behaves as cosine similarity.
func (m *Client) Insert(ctx context.Context, entries []IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(entries))
	ownerIDs := make([]string, len(entries))
	versions := make([]int64, len(entries))
	texts := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))

	for i, e := range entries {
		chunkIDs[i] = e.ChunkID
		ownerIDs[i] = e.OwnerID
		versions[i] = e.SnapshotVersion
		texts[i] = e.ChunkText
		embeddings[i] = Normalize(e.Embedding)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("owner_id", ownerIDs),
		entity.NewColumnInt64("snapshot_version", versions),
		entity.NewColumnVarChar("chunk_text", texts),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entries: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Index entries inserted", zap.Int("count", len(entries)))

	return nil
}

// DeleteBelowVersion removes an owner's entries older than version. Called
// only after the new version is fully written: readers always see a complete
// version, current or one generation stale, never a partial one.
func (m *Client) DeleteBelowVersion(ctx context.Context, ownerID string, version int64) error {
	expr := fmt.Sprintf(`owner_id == "%s" && snapshot_version < %d`, ownerID, version)
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete stale entries: %w", err)
	}

	logger.Debug("Stale index entries removed",
		zap.String("owner_id", ownerID),
		zap.Int64("below_version", version),
	)
	return nil
}

// Search returns the topK nearest chunks. ownerFilter restricts the search to
// specific owners when structured filters resolved to candidates.
func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, ownerFilter []string) ([]SearchHit, error) {
	expr := ""
	if len(ownerFilter) > 0 {
		quoted := ""
		for i, owner := range ownerFilter {
			if i > 0 {
				quoted += ", "
			}
			quoted += fmt.Sprintf("%q", owner)
		}
		expr = fmt.Sprintf("owner_id in [%s]", quoted)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "owner_id", "snapshot_version", "chunk_text"},
		[]entity.Vector{entity.FloatVector(Normalize(queryEmbedding))},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var hits []SearchHit
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		ownerCol := sr.Fields.GetColumn("owner_id")
		versionCol := sr.Fields.GetColumn("snapshot_version")
		textCol := sr.Fields.GetColumn("chunk_text")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			owner, _ := ownerCol.Get(i)
			version, _ := versionCol.Get(i)
			text, _ := textCol.Get(i)

			hits = append(hits, SearchHit{
				ChunkID:         chunkID.(string),
				OwnerID:         owner.(string),
				SnapshotVersion: version.(int64),
				ChunkText:       text.(string),
				Score:           sr.Scores[i],
			})
		}
	}

	logger.Info("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("hits", len(hits)),
		zap.String("filter", expr),
	)

	return hits, nil
}

// Normalize scales v to unit length. Zero vectors pass through unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
