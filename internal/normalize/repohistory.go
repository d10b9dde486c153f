package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/talentgraph/backend/internal/storage/models"
)

// repoHistoryParser reads repository metadata exports: a JSON array of
// repositories with name, primary language, star count and description.
type repoHistoryParser struct{}

type repoEntry struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Stars       int    `json:"stars"`
	Description string `json:"description"`
}

func (p *repoHistoryParser) SourceType() string { return "repo-history" }

func (p *repoHistoryParser) Parse(_ context.Context, raw *models.RawDocument, res *Result) []claim {
	var repos []repoEntry
	if err := json.Unmarshal(raw.Content, &repos); err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("repo-history: invalid JSON: %v", err))
		return nil
	}
	if len(repos) == 0 {
		res.Diagnostics = append(res.Diagnostics, "repo-history: no repositories")
		return nil
	}

	langCount := make(map[string]int)
	for _, r := range repos {
		if r.Language != "" {
			langCount[strings.ToLower(r.Language)]++
		}
	}

	var claims []claim

	langs := make([]string, 0, len(langCount))
	for lang := range langCount {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if langCount[langs[i]] != langCount[langs[j]] {
			return langCount[langs[i]] > langCount[langs[j]]
		}
		return langs[i] < langs[j]
	})

	for _, lang := range langs {
		// Language share of the owner's repos drives extraction certainty.
		share := float64(langCount[lang]) / float64(len(repos))
		claims = append(claims, claim{
			Field:     "skill:" + lang,
			Value:     lang,
			Certainty: 0.6 + 0.4*share,
		})
	}
	if len(langs) > 0 {
		claims = append(claims, claim{Field: "languages", Value: strings.Join(langs, ", "), Certainty: 0.95})
	}

	top := repos[0]
	for _, r := range repos[1:] {
		if r.Stars > top.Stars {
			top = r
		}
	}
	if top.Name != "" {
		value := top.Name
		if top.Description != "" {
			value += ": " + top.Description
		}
		claims = append(claims, claim{Field: "top_repository", Value: value, Certainty: 0.95})
	}

	return claims
}
