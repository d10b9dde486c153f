package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/answer"
	"github.com/talentgraph/backend/internal/cache"
	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/internal/vector/milvus"
	"github.com/talentgraph/backend/pkg/logger"
)

var (
	// ErrRetrievalUnavailable is surfaced when the vector backend cannot serve
	// the query at all. Never converted into a silent empty result.
	ErrRetrievalUnavailable = errors.New("retrieval backend unavailable")
	// ErrQueryTimeout is returned only when the budget ran out before retrieval
	// completed. After retrieval, timeouts degrade to an unsynthesized result.
	ErrQueryTimeout = errors.New("query timed out")
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Rewriter interface {
	RewriteQuery(ctx context.Context, query string) (string, error)
}

type AnswerGenerator interface {
	SynthesizeAnswer(ctx context.Context, query string, chunks []string) (string, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int, ownerFilter []string) ([]milvus.SearchHit, error)
}

type EndorsementReader interface {
	EndorsementCounts(ctx context.Context, skills []string) (map[string]int, error)
}

type ResultCache interface {
	GetResult(ctx context.Context, fingerprint string, dest interface{}) (bool, error)
	SetResult(ctx context.Context, fingerprint string, result interface{}) error
}

// Store is the slice of the relational layer the engine reads and records to.
type Store interface {
	GetHeadVersions() (map[string]int64, error)
	GetKnownFieldValues(fieldPrefix string) ([]string, error)
	FindOwnersBySkill(value string) ([]string, error)
	GetCurrentSnapshot(ownerID string) (*models.ProfileSnapshot, error)
	InsertQueryRecord(record *models.QueryRecord) error
	InsertQueryCitation(citation *models.QueryCitation) error
}

type Config struct {
	TopK             int
	SemanticWeight   float64
	StructuredWeight float64
	EndorseWeight    float64
	AnswerTimeout    time.Duration
}

// Engine answers natural-language queries over the profile corpus: retrieve,
// rerank, synthesize a grounded answer, cache.
type Engine struct {
	store     Store
	embedder  Embedder
	rewriter  Rewriter
	generator AnswerGenerator
	vectors   VectorSearcher
	endorse   EndorsementReader
	cache     ResultCache
	cfg       Config
}

type SearchResult struct {
	QueryID       string         `json:"query_id"`
	Answer        string         `json:"answer"`
	Unsynthesized bool           `json:"unsynthesized"`
	Matches       []ProfileMatch `json:"matches"`
}

type ProfileMatch struct {
	OwnerID              string  `json:"owner_id"`
	Score                float64 `json:"score"`
	CitedSnapshotVersion int64   `json:"cited_snapshot_version"`
	SupportingChunks     []Chunk `json:"supporting_chunks"`
}

type Chunk struct {
	ChunkID string  `json:"chunk_id"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

func NewEngine(store Store, embedder Embedder, rewriter Rewriter, generator AnswerGenerator, vectors VectorSearcher, endorse EndorsementReader, resultCache ResultCache, cfg Config) *Engine {
	if cfg.TopK == 0 {
		cfg.TopK = 10
	}
	return &Engine{
		store:     store,
		embedder:  embedder,
		rewriter:  rewriter,
		generator: generator,
		vectors:   vectors,
		endorse:   endorse,
		cache:     resultCache,
		cfg:       cfg,
	}
}

// Search runs the full query pipeline. The caller's ctx carries the overall
// budget; once retrieval has completed, running out of budget degrades the
// result instead of failing it.
func (e *Engine) Search(ctx context.Context, queryText, callerID string) (*SearchResult, error) {
	startTime := time.Now()
	queryID := uuid.New().String()
	normalized := cache.NormalizeQuery(queryText)

	logger.Info("Processing search",
		zap.String("query_id", queryID),
		zap.String("query", normalized),
	)

	fingerprint := ""
	heads, err := e.store.GetHeadVersions()
	if err != nil {
		logger.Warn("Head versions unavailable, skipping cache", zap.Error(err))
	} else {
		fingerprint = cache.Fingerprint(normalized, heads)
		var cached SearchResult
		hit, err := e.cache.GetResult(ctx, fingerprint, &cached)
		if err != nil {
			logger.Warn("Result cache read failed", zap.Error(err))
		} else if hit {
			metrics.CacheHits.Inc()
			metrics.QueryTotal.WithLabelValues("success").Inc()
			metrics.QueryDuration.WithLabelValues("true").Observe(time.Since(startTime).Seconds())
			e.recordQuery(queryID, callerID, normalized, &cached, true, startTime)
			return &cached, nil
		} else {
			metrics.CacheMisses.Inc()
		}
	}

	searchText := e.rewriteQuery(ctx, normalized)
	skillTerms, hardFilters := e.extractSkillTerms(normalized)

	ownerFilter := e.resolveHardFilters(hardFilters)

	hits, err := e.retrieve(ctx, searchText, ownerFilter)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	matches := e.rerank(ctx, hits, skillTerms)

	result := &SearchResult{
		QueryID: queryID,
		Matches: matches,
	}

	if len(matches) > 0 {
		e.synthesizeAnswer(ctx, normalized, result)
	}

	e.recordQuery(queryID, callerID, normalized, result, false, startTime)

	if fingerprint != "" {
		if err := e.cache.SetResult(ctx, fingerprint, result); err != nil {
			logger.Warn("Result cache write failed", zap.Error(err))
		}
	}

	metrics.QueryTotal.WithLabelValues("success").Inc()
	metrics.QueryDuration.WithLabelValues("false").Observe(time.Since(startTime).Seconds())
	if result.Unsynthesized {
		metrics.UnsynthesizedAnswers.Inc()
	}

	logger.Info("Search completed",
		zap.String("query_id", queryID),
		zap.Int("matches", len(result.Matches)),
		zap.Bool("unsynthesized", result.Unsynthesized),
		zap.Duration("latency", time.Since(startTime)),
	)

	return result, nil
}

func (e *Engine) rewriteQuery(ctx context.Context, normalized string) string {
	rewriteCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rewritten, err := e.rewriter.RewriteQuery(rewriteCtx, normalized)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		if err != nil {
			logger.Debug("Query rewrite failed, using original", zap.Error(err))
		}
		return normalized
	}
	return rewritten
}

// extractSkillTerms matches query tokens against skills the corpus currently
// claims. Explicit "skill:x" tokens become hard filters; plain mentions only
// boost the rerank.
func (e *Engine) extractSkillTerms(normalized string) (boosts []string, hard []string) {
	tokens := strings.Fields(normalized)
	for _, tok := range tokens {
		if rest, ok := strings.CutPrefix(tok, "skill:"); ok && rest != "" {
			hard = append(hard, rest)
		}
	}

	known, err := e.store.GetKnownFieldValues("skill")
	if err != nil {
		logger.Warn("Known skills unavailable", zap.Error(err))
		return hard, hard
	}

	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[strings.ToLower(k)] = true
	}

	seen := make(map[string]bool)
	for _, tok := range tokens {
		tok = strings.TrimPrefix(tok, "skill:")
		if knownSet[tok] && !seen[tok] {
			seen[tok] = true
			boosts = append(boosts, tok)
		}
	}
	for _, h := range hard {
		if !seen[h] {
			seen[h] = true
			boosts = append(boosts, h)
		}
	}

	return boosts, hard
}

func (e *Engine) resolveHardFilters(hard []string) []string {
	if len(hard) == 0 {
		return nil
	}

	ownerSet := make(map[string]bool)
	for _, skill := range hard {
		owners, err := e.store.FindOwnersBySkill(skill)
		if err != nil {
			logger.Warn("Structured filter lookup failed", zap.String("skill", skill), zap.Error(err))
			continue
		}
		for _, owner := range owners {
			ownerSet[owner] = true
		}
	}

	owners := make([]string, 0, len(ownerSet))
	for owner := range ownerSet {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

func (e *Engine) retrieve(ctx context.Context, searchText string, ownerFilter []string) ([]milvus.SearchHit, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryTimeout, ctx.Err())
	}

	embedding, err := e.embedder.GenerateEmbedding(ctx, searchText)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryTimeout, err)
		}
		return nil, fmt.Errorf("%w: embedding: %v", ErrRetrievalUnavailable, err)
	}

	hits, err := e.vectors.Search(ctx, embedding, e.cfg.TopK, ownerFilter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	return hits, nil
}

// rerank combines semantic similarity with structured-fact match boosts and
// endorsement support, ties broken by snapshot recency. The weighting is a
// tunable placeholder, not a validated formula.
func (e *Engine) rerank(ctx context.Context, hits []milvus.SearchHit, skillTerms []string) []ProfileMatch {
	if len(hits) == 0 {
		return nil
	}

	type candidate struct {
		match     ProfileMatch
		recency   time.Time
		bestSim   float64
		structure float64
		endorsed  float64
	}

	endorseCounts := map[string]int{}
	if len(skillTerms) > 0 && e.endorse != nil {
		counts, err := e.endorse.EndorsementCounts(ctx, skillTerms)
		if err != nil {
			logger.Warn("Endorsement boost unavailable", zap.Error(err))
		} else {
			endorseCounts = counts
		}
	}

	byOwner := make(map[string]*candidate)
	for _, hit := range hits {
		sim := normalizeScore(hit.Score)

		c, ok := byOwner[hit.OwnerID]
		if !ok {
			c = &candidate{
				match: ProfileMatch{
					OwnerID:              hit.OwnerID,
					CitedSnapshotVersion: hit.SnapshotVersion,
				},
			}
			byOwner[hit.OwnerID] = c
		}

		if sim > c.bestSim {
			c.bestSim = sim
		}
		if hit.SnapshotVersion > c.match.CitedSnapshotVersion {
			c.match.CitedSnapshotVersion = hit.SnapshotVersion
		}
		c.match.SupportingChunks = append(c.match.SupportingChunks, Chunk{
			ChunkID: hit.ChunkID,
			Text:    hit.ChunkText,
			Score:   sim,
		})
	}

	candidates := make([]*candidate, 0, len(byOwner))
	for owner, c := range byOwner {
		snap, err := e.store.GetCurrentSnapshot(owner)
		if err != nil {
			logger.Warn("Snapshot lookup failed during rerank", zap.String("owner_id", owner), zap.Error(err))
		}
		if snap != nil {
			c.recency = snap.CreatedAt
			c.structure = structuredMatchRatio(snap, skillTerms)
		}

		if n := endorseCounts[owner]; n > 0 {
			c.endorsed = float64(n) / 5.0
			if c.endorsed > 1 {
				c.endorsed = 1
			}
		}

		c.match.Score = e.cfg.SemanticWeight*c.bestSim +
			e.cfg.StructuredWeight*c.structure +
			e.cfg.EndorseWeight*c.endorsed

		sort.Slice(c.match.SupportingChunks, func(i, j int) bool {
			return c.match.SupportingChunks[i].Score > c.match.SupportingChunks[j].Score
		})

		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].match.Score != candidates[j].match.Score {
			return candidates[i].match.Score > candidates[j].match.Score
		}
		return candidates[i].recency.After(candidates[j].recency)
	})

	matches := make([]ProfileMatch, len(candidates))
	for i, c := range candidates {
		matches[i] = c.match
	}
	return matches
}

// structuredMatchRatio is the share of queried skill terms the owner's
// resolved facts actually claim.
func structuredMatchRatio(snap *models.ProfileSnapshot, skillTerms []string) float64 {
	if len(skillTerms) == 0 {
		return 0
	}

	matched := 0
	for _, term := range skillTerms {
		for field, fact := range snap.StructuredFacts {
			if !strings.HasPrefix(field, "skill") && !strings.HasPrefix(field, "endorsed_skill") && field != "languages" {
				continue
			}
			if strings.Contains(strings.ToLower(fact.Value), term) {
				matched++
				break
			}
		}
	}

	return float64(matched) / float64(len(skillTerms))
}

// synthesizeAnswer fills result.Answer from the top-ranked chunks, or flags
// the result unsynthesized when generation cannot complete in budget or
// grounding rejects everything it produced.
func (e *Engine) synthesizeAnswer(ctx context.Context, normalized string, result *SearchResult) {
	if ctx.Err() != nil {
		result.Unsynthesized = true
		return
	}

	chunks := topChunkTexts(result.Matches, 8)
	if len(chunks) == 0 {
		result.Unsynthesized = true
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.AnswerTimeout)
	defer cancel()

	raw, err := e.generator.SynthesizeAnswer(genCtx, normalized, chunks)
	if err != nil {
		logger.Warn("Answer synthesis failed, returning ranked chunks", zap.Error(err))
		result.Unsynthesized = true
		return
	}

	grounded := answer.Ground(raw, chunks, answer.DefaultMinSupport)
	metrics.DroppedClaims.Add(float64(grounded.DroppedClaims))
	if grounded.Text == "" {
		logger.Warn("Answer fully ungrounded, returning ranked chunks",
			zap.Int("dropped_claims", grounded.DroppedClaims),
		)
		result.Unsynthesized = true
		return
	}

	result.Answer = grounded.Text
}

func topChunkTexts(matches []ProfileMatch, limit int) []string {
	var chunks []string
	for _, m := range matches {
		for _, c := range m.SupportingChunks {
			if len(chunks) >= limit {
				return chunks
			}
			chunks = append(chunks, c.Text)
		}
	}
	return chunks
}

func (e *Engine) recordQuery(queryID, callerID, queryText string, result *SearchResult, cacheHit bool, startTime time.Time) {
	record := &models.QueryRecord{
		ID:            queryID,
		CallerID:      callerID,
		QueryText:     queryText,
		Answer:        result.Answer,
		Unsynthesized: result.Unsynthesized,
		ResultCount:   len(result.Matches),
		CacheHit:      cacheHit,
		LatencyMS:     int(time.Since(startTime).Milliseconds()),
		CreatedAt:     time.Now(),
	}

	if err := e.store.InsertQueryRecord(record); err != nil {
		logger.Warn("Failed to record query", zap.Error(err))
		return
	}

	for _, m := range result.Matches {
		chunkID := ""
		score := 0.0
		if len(m.SupportingChunks) > 0 {
			chunkID = m.SupportingChunks[0].ChunkID
			score = m.SupportingChunks[0].Score
		}
		citation := &models.QueryCitation{
			QueryID:         queryID,
			OwnerID:         m.OwnerID,
			SnapshotVersion: m.CitedSnapshotVersion,
			ChunkID:         chunkID,
			Score:           score,
		}
		if err := e.store.InsertQueryCitation(citation); err != nil {
			logger.Warn("Failed to record citation", zap.Error(err))
		}
	}
}

// normalizeScore maps inner-product similarity over unit vectors from [-1,1]
// to [0,1].
func normalizeScore(score float32) float64 {
	s := (float64(score) + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
