package normalize

import (
	"context"
	"strings"

	"github.com/talentgraph/backend/internal/storage/models"
)

// resumeParser handles plain-text resumes laid out in labelled sections
// (SUMMARY / SKILLS / EXPERIENCE / EDUCATION).
type resumeParser struct{}

func (p *resumeParser) SourceType() string { return "resume" }

func (p *resumeParser) Parse(_ context.Context, raw *models.RawDocument, res *Result) []claim {
	text := strings.TrimSpace(string(raw.Content))
	if text == "" {
		res.Diagnostics = append(res.Diagnostics, "resume: empty document")
		return nil
	}

	sections := splitSections(text)
	if len(sections) == 0 {
		res.Diagnostics = append(res.Diagnostics, "resume: no recognizable sections")
		return nil
	}

	var claims []claim

	if summary, ok := sections["summary"]; ok && summary != "" {
		claims = append(claims, claim{Field: "summary", Value: summary, Certainty: 0.9})
	}

	if skills, ok := sections["skills"]; ok {
		names := splitList(skills)
		if len(names) == 0 {
			res.Diagnostics = append(res.Diagnostics, "resume: skills section empty")
		}
		for _, name := range names {
			claims = append(claims, claim{
				Field:     "skill:" + strings.ToLower(name),
				Value:     strings.ToLower(name),
				Certainty: 0.95,
			})
		}
		if len(names) > 0 {
			claims = append(claims, claim{
				Field:     "skills",
				Value:     strings.ToLower(strings.Join(names, ", ")),
				Certainty: 0.95,
			})
		}
	}

	if experience, ok := sections["experience"]; ok {
		expClaims, diags := parseExperience(experience)
		claims = append(claims, expClaims...)
		res.Diagnostics = append(res.Diagnostics, diags...)
	}

	if education, ok := sections["education"]; ok && education != "" {
		claims = append(claims, claim{Field: "education", Value: firstLine(education), Certainty: 0.85})
	}

	return claims
}

var sectionNames = []string{"summary", "skills", "experience", "education"}

// splitSections cuts the resume at lines that consist solely of a known
// section header, case-insensitive, with an optional trailing colon.
func splitSections(text string) map[string]string {
	sections := make(map[string]string)
	current := ""
	var buf []string

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = nil
	}

	for _, line := range strings.Split(text, "\n") {
		header := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(line), ":"))
		if isSectionHeader(header) {
			flush()
			current = header
			continue
		}
		buf = append(buf, line)
	}
	flush()

	return sections
}

func isSectionHeader(s string) bool {
	for _, name := range sectionNames {
		if s == name {
			return true
		}
	}
	return false
}

// parseExperience reads entries of the form "Title at Company (2019-2023)".
// The most recent entry (listed first) supplies the title and employer claims.
func parseExperience(section string) ([]claim, []string) {
	var claims []claim
	var diags []string

	first := true
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		title, company := splitRole(line)
		if title == "" {
			diags = append(diags, "resume: unparseable experience line: "+line)
			continue
		}

		certainty := 0.7
		if first {
			certainty = 0.9
			claims = append(claims, claim{Field: "title", Value: title, Certainty: certainty})
			if company != "" {
				claims = append(claims, claim{Field: "employer", Value: company, Certainty: certainty})
			}
			first = false
			continue
		}

		if company != "" {
			claims = append(claims, claim{
				Field:     "past_employer:" + strings.ToLower(company),
				Value:     company,
				Certainty: certainty,
			})
		}
	}

	return claims, diags
}

func splitRole(line string) (title, company string) {
	if idx := strings.Index(line, "("); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}

	parts := strings.SplitN(line, " at ", 2)
	title = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		company = strings.TrimSpace(parts[1])
	}
	return title, company
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	}) {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "-"))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.Index(s, "\n"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
