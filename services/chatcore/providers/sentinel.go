package providers

import "strings"

const (
	sentinelOpen  = "<think>"
	sentinelClose = "</think>"
)

// SentinelScanner strips sentinel-delimited reasoning segments from a
// chunk stream. The tags can straddle chunk boundaries, so the scanner
// holds back any trailing bytes that could be the start of a tag and
// re-examines them with the next chunk.
type SentinelScanner struct {
	inside  bool
	pending string
}

// NewSentinelScanner returns a scanner positioned outside any segment.
func NewSentinelScanner() *SentinelScanner {
	return &SentinelScanner{}
}

var _ ChunkFilter = (*SentinelScanner)(nil)

// Filter returns text with reasoning segments removed. Output may lag
// input by up to one partial tag length.
func (s *SentinelScanner) Filter(text string) string {
	data := s.pending + text
	s.pending = ""

	var out strings.Builder
	for len(data) > 0 {
		if s.inside {
			idx := strings.Index(data, sentinelClose)
			if idx < 0 {
				// Still inside. Everything is discarded except a
				// trailing partial close tag, which next chunk may
				// complete.
				s.pending = partialTagSuffix(data, sentinelClose)
				return out.String()
			}
			data = data[idx+len(sentinelClose):]
			s.inside = false
			continue
		}

		idx := strings.Index(data, sentinelOpen)
		if idx < 0 {
			hold := partialTagSuffix(data, sentinelOpen)
			out.WriteString(data[:len(data)-len(hold)])
			s.pending = hold
			return out.String()
		}
		out.WriteString(data[:idx])
		data = data[idx+len(sentinelOpen):]
		s.inside = true
	}
	return out.String()
}

// Flush releases held-back text at end of stream. A partial tag that
// never completed is literal text; an unterminated reasoning segment
// stays stripped.
func (s *SentinelScanner) Flush() string {
	pending := s.pending
	s.pending = ""
	if s.inside {
		return ""
	}
	return pending
}

// partialTagSuffix returns the longest suffix of data that is a proper
// prefix of tag.
func partialTagSuffix(data, tag string) string {
	max := len(tag) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(data, tag[:n]) {
			return data[len(data)-n:]
		}
	}
	return ""
}
