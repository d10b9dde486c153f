package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talentgraph/backend/internal/storage/models"
)

// endorsementParser reads endorsement exports: a JSON array of
// {endorser_id, skill, comment}. Each distinct endorsed skill becomes one
// fact; the individual edges go to the endorsement graph via Result.
type endorsementParser struct{}

type endorsementEntry struct {
	EndorserID string `json:"endorser_id"`
	Skill      string `json:"skill"`
	Comment    string `json:"comment"`
}

func (p *endorsementParser) SourceType() string { return "endorsement" }

func (p *endorsementParser) Parse(_ context.Context, raw *models.RawDocument, res *Result) []claim {
	var entries []endorsementEntry
	if err := json.Unmarshal(raw.Content, &entries); err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("endorsement: invalid JSON: %v", err))
		return nil
	}

	counts := make(map[string]int)
	for _, e := range entries {
		skill := strings.ToLower(strings.TrimSpace(e.Skill))
		if skill == "" || e.EndorserID == "" {
			res.Diagnostics = append(res.Diagnostics, "endorsement: entry missing skill or endorser")
			continue
		}
		counts[skill]++
		res.Endorsements = append(res.Endorsements, Endorsement{
			EndorserID: e.EndorserID,
			OwnerID:    raw.OwnerID,
			Skill:      skill,
		})
	}

	var claims []claim
	for skill, n := range counts {
		// More endorsers, more certainty, capped below a first-party claim.
		certainty := 0.7 + 0.05*float64(n)
		if certainty > 0.9 {
			certainty = 0.9
		}
		claims = append(claims, claim{
			Field:     "endorsed_skill:" + skill,
			Value:     skill,
			Certainty: certainty,
		})
	}

	return claims
}
