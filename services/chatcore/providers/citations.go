package providers

import (
	"net/url"
	"sort"
	"strings"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// MaxCitations bounds how many sources are persisted per message.
const MaxCitations = 10

// CitationAccumulator dedupes citation events by normalized URL.
// Last write wins for title and score; first-seen order is preserved
// for ranking. Active only for search-augmented turns.
type CitationAccumulator struct {
	order []string
	byURL map[string]datatypes.Source
}

func NewCitationAccumulator() *CitationAccumulator {
	return &CitationAccumulator{byURL: make(map[string]datatypes.Source)}
}

// Add records one citation event.
func (a *CitationAccumulator) Add(src datatypes.Source) {
	key := NormalizeURL(src.URL)
	if key == "" {
		return
	}
	if _, seen := a.byURL[key]; !seen {
		a.order = append(a.order, key)
	}
	a.byURL[key] = src
}

// Len returns the number of distinct sources seen so far.
func (a *CitationAccumulator) Len() int { return len(a.order) }

// Sources returns the deduped citations, capped at MaxCitations.
//
// When the upstream supplied native scores, the cap set is selected by
// descending score (ties keep first-seen order), so a high-scoring
// late arrival displaces a low-scoring early one. Without any native
// rank, first-seen order stands in for relevance and a positionally
// decaying score is synthesized.
func (a *CitationAccumulator) Sources() []datatypes.Source {
	if len(a.order) == 0 {
		return nil
	}

	all := make([]datatypes.Source, 0, len(a.order))
	ranked := false
	for _, key := range a.order {
		src := a.byURL[key]
		if src.Score != 0 {
			ranked = true
		}
		all = append(all, src)
	}

	if ranked {
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Score > all[j].Score
		})
	}

	n := len(all)
	if n > MaxCitations {
		n = MaxCitations
	}
	out := all[:n]
	if !ranked {
		for i := range out {
			out[i].Score = 1.0 / float64(i+1)
		}
	}
	return out
}

// NormalizeURL canonicalizes a citation URL for deduplication.
// Scheme and host are lowercased, default ports and fragments are
// dropped, and a trailing slash on the path is removed. Unparseable
// input falls back to the trimmed raw string.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}
