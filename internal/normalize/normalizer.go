package normalize

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/logger"
)

// Result of normalizing one raw document. Malformed input produces zero facts
// and diagnostics, never an error.
type Result struct {
	Facts        []models.NormalizedFact
	Endorsements []Endorsement
	Diagnostics  []string
}

// Endorsement is a who-endorses-whom edge extracted from endorsement sources.
// It feeds the endorsement graph rather than the fact table.
type Endorsement struct {
	EndorserID string
	OwnerID    string
	Skill      string
}

// parser extracts raw claims from one source type. certainty is the parser's
// own [0,1] estimate; the normalizer scales it by source trust.
type parser interface {
	SourceType() string
	Parse(ctx context.Context, raw *models.RawDocument, res *Result) []claim
}

type claim struct {
	Field     string
	Value     string
	Certainty float64
}

// Normalizer converts raw documents into canonical, provenance-tagged facts.
type Normalizer struct {
	parsers map[string]parser
	trust   map[string]float64
}

func New(trustWeights map[string]float64) *Normalizer {
	n := &Normalizer{
		parsers: make(map[string]parser),
		trust:   trustWeights,
	}

	for _, p := range []parser{
		&resumeParser{},
		&repoHistoryParser{},
		&articleParser{},
		&endorsementParser{},
	} {
		n.parsers[p.SourceType()] = p
	}

	return n
}

// Normalize derives facts from one raw document. Output confidence combines
// the declared trust of the source type with the parser's extraction certainty.
func (n *Normalizer) Normalize(ctx context.Context, src *models.Source, raw *models.RawDocument) *Result {
	res := &Result{}

	p, ok := n.parsers[src.Type]
	if !ok {
		res.Diagnostics = append(res.Diagnostics, "no parser for source type "+src.Type)
		logger.Warn("No parser for source type",
			zap.String("source_id", src.ID),
			zap.String("type", src.Type),
		)
		return res
	}

	trust, ok := n.trust[src.Type]
	if !ok {
		trust = 0.5
	}

	claims := p.Parse(ctx, raw, res)

	for _, cl := range claims {
		confidence := clamp01(trust * cl.Certainty)
		res.Facts = append(res.Facts, models.NormalizedFact{
			ID:         uuid.New().String(),
			OwnerID:    raw.OwnerID,
			FieldName:  cl.Field,
			Value:      cl.Value,
			Provenance: src.ID,
			SourceType: src.Type,
			Confidence: confidence,
			ObservedAt: raw.FetchedAt,
			RawDocID:   raw.ID,
		})
	}

	logger.Info("Document normalized",
		zap.String("source_id", src.ID),
		zap.String("type", src.Type),
		zap.Int("facts", len(res.Facts)),
		zap.Int("diagnostics", len(res.Diagnostics)),
	)

	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UserFact builds the synthetic fact injected by edit_fact. It always wins
// conflict resolution: confidence 1.0, user-declared provenance.
func UserFact(ownerID, field, value string) *models.NormalizedFact {
	return &models.NormalizedFact{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		FieldName:  field,
		Value:      value,
		Provenance: models.ProvenanceUserDeclared,
		SourceType: models.ProvenanceUserDeclared,
		Confidence: 1.0,
		ObservedAt: time.Now(),
	}
}
