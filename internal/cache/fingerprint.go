package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/talentgraph/backend/pkg/utils"
)

// NormalizeQuery canonicalizes query text for fingerprinting: lowercase,
// collapsed whitespace, trimmed punctuation at the edges.
func NormalizeQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".,;:!?\"'")
	}
	return strings.Join(fields, " ")
}

// Fingerprint derives the cache key for a query against a corpus state. The
// visible snapshot versions are part of the key, so any profile change makes
// fingerprints computed against the prior version unreachable: no invalidation
// sweep needed, TTL alone bounds residual memory.
func Fingerprint(normalizedQuery string, headVersions map[string]int64) string {
	owners := make([]string, 0, len(headVersions))
	for owner := range headVersions {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var b strings.Builder
	b.WriteString(normalizedQuery)
	for _, owner := range owners {
		fmt.Fprintf(&b, "\x1f%s:%d", owner, headVersions[owner])
	}

	return utils.HashString(b.String())
}
