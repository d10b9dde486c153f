package normalize

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"

	"github.com/talentgraph/backend/internal/storage/models"
)

// articleParser extracts authorship and topic facts from published articles
// (HTML). Article claims carry low certainty: prose writing asserts less about
// the author than a resume does.
type articleParser struct{}

func (p *articleParser) SourceType() string { return "article" }

const maxArticleMentions = 8

func (p *articleParser) Parse(_ context.Context, raw *models.RawDocument, res *Result) []claim {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw.Content)))
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("article: invalid HTML: %v", err))
		return nil
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	body := doc.Find("body").Text()
	body = regexp.MustCompile(`\s+`).ReplaceAllString(body, " ")
	body = strings.TrimSpace(body)

	if title == "" && body == "" {
		res.Diagnostics = append(res.Diagnostics, "article: no content extracted")
		return nil
	}

	var claims []claim
	if title != "" {
		claims = append(claims, claim{Field: "article:" + raw.SourceID, Value: title, Certainty: 0.9})
	}

	claims = append(claims, p.mentionClaims(body, res)...)

	return claims
}

// mentionClaims runs NER over the article body; recurring named entities become
// weak topic claims about the author's area of work.
func (p *articleParser) mentionClaims(body string, res *Result) []claim {
	if body == "" {
		return nil
	}

	doc, err := prose.NewDocument(body)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("article: entity extraction failed: %v", err))
		return nil
	}

	seen := make(map[string]bool)
	var claims []claim
	for _, ent := range doc.Entities() {
		name := strings.ToLower(strings.TrimSpace(ent.Text))
		if name == "" || seen[name] || len(claims) >= maxArticleMentions {
			continue
		}
		seen[name] = true
		claims = append(claims, claim{
			Field:     "writes_about:" + name,
			Value:     name,
			Certainty: 0.5,
		})
	}

	return claims
}
