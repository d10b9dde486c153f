package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentgraph/backend/internal/storage/models"
)

var testTrust = map[string]float64{
	"user-declared": 1.0,
	"resume":        0.9,
	"repo-history":  0.8,
	"endorsement":   0.7,
	"article":       0.6,
}

func rawDoc(sourceID, ownerID string, content string) *models.RawDocument {
	return &models.RawDocument{
		ID:        "doc-1",
		SourceID:  sourceID,
		OwnerID:   ownerID,
		FetchedAt: time.Unix(1700000000, 0),
		Content:   []byte(content),
	}
}

func src(id, ownerID, sourceType string) *models.Source {
	return &models.Source{
		ID:      id,
		OwnerID: ownerID,
		Type:    sourceType,
	}
}

func factByField(facts []models.NormalizedFact, field string) *models.NormalizedFact {
	for i := range facts {
		if facts[i].FieldName == field {
			return &facts[i]
		}
	}
	return nil
}

func TestNormalizeResume(t *testing.T) {
	resume := `SUMMARY
Systems engineer focused on storage infrastructure.

SKILLS
Rust, Go, Distributed Systems

EXPERIENCE
Senior Engineer at Acme (2020-2024)
Engineer at Initech (2017-2020)

EDUCATION
BSc Computer Science, State University`

	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-1", "alice", "resume"), rawDoc("src-1", "alice", resume))

	require.NotEmpty(t, res.Facts)
	assert.Empty(t, res.Diagnostics)

	summary := factByField(res.Facts, "summary")
	require.NotNil(t, summary)
	assert.Contains(t, summary.Value, "storage infrastructure")

	rust := factByField(res.Facts, "skill:rust")
	require.NotNil(t, rust)
	assert.Equal(t, "rust", rust.Value)
	assert.InDelta(t, 0.9*0.95, rust.Confidence, 1e-9)
	assert.Equal(t, "src-1", rust.Provenance)
	assert.Equal(t, "resume", rust.SourceType)

	title := factByField(res.Facts, "title")
	require.NotNil(t, title)
	assert.Equal(t, "Senior Engineer", title.Value)

	employer := factByField(res.Facts, "employer")
	require.NotNil(t, employer)
	assert.Equal(t, "Acme", employer.Value)

	past := factByField(res.Facts, "past_employer:initech")
	require.NotNil(t, past)
	assert.Equal(t, "Initech", past.Value)

	education := factByField(res.Facts, "education")
	require.NotNil(t, education)
	assert.Equal(t, "BSc Computer Science, State University", education.Value)
}

func TestNormalizeResumeEmpty(t *testing.T) {
	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-1", "alice", "resume"), rawDoc("src-1", "alice", "   "))

	assert.Empty(t, res.Facts)
	assert.NotEmpty(t, res.Diagnostics)
}

func TestNormalizeRepoHistory(t *testing.T) {
	payload := `[
		{"name": "rafty", "language": "Go", "stars": 120, "description": "Raft consensus library"},
		{"name": "dotfiles", "language": "Go", "stars": 3},
		{"name": "rusty-kv", "language": "Rust", "stars": 40}
	]`

	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-2", "alice", "repo-history"), rawDoc("src-2", "alice", payload))

	require.NotEmpty(t, res.Facts)

	goSkill := factByField(res.Facts, "skill:go")
	require.NotNil(t, goSkill)
	assert.InDelta(t, 0.8*(0.6+0.4*2.0/3.0), goSkill.Confidence, 1e-9)

	langs := factByField(res.Facts, "languages")
	require.NotNil(t, langs)
	assert.Equal(t, "go, rust", langs.Value)

	top := factByField(res.Facts, "top_repository")
	require.NotNil(t, top)
	assert.Equal(t, "rafty: Raft consensus library", top.Value)
}

func TestNormalizeRepoHistoryMalformed(t *testing.T) {
	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-2", "alice", "repo-history"), rawDoc("src-2", "alice", "{not json"))

	assert.Empty(t, res.Facts)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0], "invalid JSON")
}

func TestNormalizeEndorsements(t *testing.T) {
	payload := `[
		{"endorser_id": "bob", "skill": "Rust", "comment": "solid reviewer"},
		{"endorser_id": "carol", "skill": "rust"},
		{"endorser_id": "dave", "skill": ""}
	]`

	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-3", "alice", "endorsement"), rawDoc("src-3", "alice", payload))

	require.Len(t, res.Facts, 1)
	endorsed := res.Facts[0]
	assert.Equal(t, "endorsed_skill:rust", endorsed.FieldName)
	assert.InDelta(t, 0.7*(0.7+0.05*2), endorsed.Confidence, 1e-9)

	require.Len(t, res.Endorsements, 2)
	assert.Equal(t, "bob", res.Endorsements[0].EndorserID)
	assert.Equal(t, "alice", res.Endorsements[0].OwnerID)
	assert.Equal(t, "rust", res.Endorsements[0].Skill)

	// The entry missing a skill is reported, not dropped silently.
	require.Len(t, res.Diagnostics, 1)
}

func TestNormalizeArticle(t *testing.T) {
	html := `<html><head><title>Scaling Postgres at Acme</title></head>
<body><nav>menu</nav><p>We migrated our primary Postgres cluster to a sharded
setup and cut p99 latency in half. Kubernetes made the rollout tractable.</p>
<footer>copyright</footer></body></html>`

	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-4", "alice", "article"), rawDoc("src-4", "alice", html))

	title := factByField(res.Facts, "article:src-4")
	require.NotNil(t, title)
	assert.Equal(t, "Scaling Postgres at Acme", title.Value)
	assert.InDelta(t, 0.6*0.9, title.Confidence, 1e-9)

	// Entity mentions are bounded and lowercase when present.
	mentions := 0
	for _, f := range res.Facts {
		if f.FieldName != "article:src-4" {
			mentions++
			assert.Equal(t, f.Value, f.FieldName[len("writes_about:"):])
		}
	}
	assert.LessOrEqual(t, mentions, maxArticleMentions)
}

func TestNormalizeUnknownSourceType(t *testing.T) {
	n := New(testTrust)
	res := n.Normalize(context.Background(), src("src-9", "alice", "carrier-pigeon"), rawDoc("src-9", "alice", "hello"))

	assert.Empty(t, res.Facts)
	require.Len(t, res.Diagnostics, 1)
	assert.Contains(t, res.Diagnostics[0], "no parser")
}

func TestUserFact(t *testing.T) {
	f := UserFact("alice", "title", "Staff Engineer")

	assert.Equal(t, "alice", f.OwnerID)
	assert.Equal(t, models.ProvenanceUserDeclared, f.Provenance)
	assert.Equal(t, 1.0, f.Confidence)
	assert.NotEmpty(t, f.ID)
}
