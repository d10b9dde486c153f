package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/pkg/logger"
	"github.com/talentgraph/backend/pkg/utils"
)

// ErrSynthesisFailed marks a synthesis that could not commit a snapshot.
// Narrative failures are not synthesis failures: the snapshot still commits
// with a degraded narrative.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Store is the slice of the storage layer synthesis needs.
type Store interface {
	GetCurrentFacts(ownerID string) ([]models.NormalizedFact, error)
	GetCurrentSnapshot(ownerID string) (*models.ProfileSnapshot, error)
	InsertSnapshot(snap *models.ProfileSnapshot) error
}

// Narrator composes profile prose from already-resolved facts. It is treated
// as an untrusted external function: bounded by the context, failure tolerated.
type Narrator interface {
	ComposeNarrative(ctx context.Context, facts map[string]models.NormalizedFact, maxTokens int) (string, error)
}

// Synthesizer merges normalized facts into versioned profile snapshots.
// At most one synthesis runs per owner; see Synthesize.
type Synthesizer struct {
	store              Store
	narrator           Narrator
	trust              map[string]float64
	narrativeTimeout   time.Duration
	narrativeMaxTokens int
	onCommit           func(snap *models.ProfileSnapshot)

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the in-progress synthesis for one owner. Requests arriving while
// it runs attach to done; triggers arriving while it runs set dirty, forcing a
// fresh run after the in-flight result commits.
type flight struct {
	done  chan struct{}
	snap  *models.ProfileSnapshot
	err   error
	dirty bool
}

func NewSynthesizer(store Store, narrator Narrator, trustWeights map[string]float64, narrativeTimeout time.Duration, narrativeMaxTokens int, onCommit func(snap *models.ProfileSnapshot)) *Synthesizer {
	if onCommit == nil {
		onCommit = func(*models.ProfileSnapshot) {}
	}
	return &Synthesizer{
		store:              store,
		narrator:           narrator,
		trust:              trustWeights,
		narrativeTimeout:   narrativeTimeout,
		narrativeMaxTokens: narrativeMaxTokens,
		onCommit:           onCommit,
		flights:            make(map[string]*flight),
	}
}

// Synthesize builds the owner's current snapshot. Concurrent calls for the
// same owner collapse into one computation; a call that lands mid-flight marks
// the flight dirty so the fact set it announced is picked up by an immediate
// re-run, and all callers receive the final committed snapshot.
func (s *Synthesizer) Synthesize(ctx context.Context, ownerID string) (*models.ProfileSnapshot, error) {
	s.mu.Lock()
	if f, ok := s.flights[ownerID]; ok {
		f.dirty = true
		s.mu.Unlock()
		return s.wait(ctx, f)
	}

	f := &flight{done: make(chan struct{})}
	s.flights[ownerID] = f
	s.mu.Unlock()

	go s.run(ownerID, f)

	return s.wait(ctx, f)
}

func (s *Synthesizer) wait(ctx context.Context, f *flight) (*models.ProfileSnapshot, error) {
	select {
	case <-f.done:
		return f.snap, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes synthesis until no dirty trigger remains, then releases the
// flight. Runs on its own goroutine with its own deadline: synthesis outlives
// the request that triggered it.
func (s *Synthesizer) run(ownerID string, f *flight) {
	for {
		snap, err := s.synthesizeOnce(ownerID)

		s.mu.Lock()
		if f.dirty && err == nil {
			f.dirty = false
			s.mu.Unlock()
			metrics.SynthesisRuns.WithLabelValues("superseded").Inc()
			logger.Debug("Superseding in-flight synthesis", zap.String("owner_id", ownerID))
			continue
		}
		delete(s.flights, ownerID)
		f.snap, f.err = snap, err
		close(f.done)
		s.mu.Unlock()
		return
	}
}

func (s *Synthesizer) synthesizeOnce(ownerID string) (*models.ProfileSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.SynthesisDuration.Observe(time.Since(start).Seconds())
	}()

	facts, err := s.store.GetCurrentFacts(ownerID)
	if err != nil {
		metrics.SynthesisRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: loading facts: %v", ErrSynthesisFailed, err)
	}

	hash := FactSetHash(facts)

	current, err := s.store.GetCurrentSnapshot(ownerID)
	if err != nil {
		metrics.SynthesisRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: loading current snapshot: %v", ErrSynthesisFailed, err)
	}

	if current != nil && current.ContentHash == hash {
		metrics.SynthesisRuns.WithLabelValues("unchanged").Inc()
		logger.Debug("Fact set unchanged, reusing snapshot",
			zap.String("owner_id", ownerID),
			zap.Int64("version", current.Version),
		)
		return current, nil
	}

	structured, audit := Resolve(facts, s.trust)

	narrative := ""
	degraded := false
	if len(structured) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.narrativeTimeout)
		narrative, err = s.narrator.ComposeNarrative(ctx, structured, s.narrativeMaxTokens)
		cancel()
		if err != nil {
			logger.Warn("Narrative generation failed, committing degraded snapshot",
				zap.String("owner_id", ownerID),
				zap.Error(err),
			)
			narrative = ""
			degraded = true
			metrics.DegradedNarratives.Inc()
		}
	}

	var version int64 = 1
	if current != nil {
		version = current.Version + 1
	}

	snap := &models.ProfileSnapshot{
		OwnerID:           ownerID,
		Version:           version,
		Narrative:         narrative,
		NarrativeDegraded: degraded,
		StructuredFacts:   structured,
		AuditTrail:        audit,
		ContentHash:       hash,
		CreatedAt:         time.Now(),
	}

	if err := s.store.InsertSnapshot(snap); err != nil {
		metrics.SynthesisRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: committing snapshot: %v", ErrSynthesisFailed, err)
	}

	metrics.SynthesisRuns.WithLabelValues("committed").Inc()
	s.onCommit(snap)

	return snap, nil
}

// Resolve picks one winning fact per field. Highest confidence wins, ties
// broken by most recent observed_at, then by source trust rank. Losing facts
// are returned as the audit trail.
func Resolve(facts []models.NormalizedFact, trust map[string]float64) (map[string]models.NormalizedFact, []models.NormalizedFact) {
	byField := make(map[string][]models.NormalizedFact)
	for _, f := range facts {
		byField[f.FieldName] = append(byField[f.FieldName], f)
	}

	structured := make(map[string]models.NormalizedFact, len(byField))
	var audit []models.NormalizedFact

	for field, candidates := range byField {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if !a.ObservedAt.Equal(b.ObservedAt) {
				return a.ObservedAt.After(b.ObservedAt)
			}
			return trust[a.SourceType] > trust[b.SourceType]
		})

		structured[field] = candidates[0]
		audit = append(audit, candidates[1:]...)
	}

	return structured, audit
}

// FactSetHash is a pure function of the sorted fact set: identical facts yield
// an identical hash regardless of insertion order or regenerated row IDs,
// which is what makes redundant re-synthesis detectable.
func FactSetHash(facts []models.NormalizedFact) string {
	keys := make([]string, 0, len(facts))
	for _, f := range facts {
		keys = append(keys, fmt.Sprintf("%s\x1f%s\x1f%s\x1f%.6f", f.FieldName, f.Value, f.Provenance, f.Confidence))
	}
	sort.Strings(keys)
	return utils.HashString(strings.Join(keys, "\x1e"))
}
