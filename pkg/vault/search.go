package vault

import "time"

// SearchCriteria narrows a metadata scan. Zero-valued fields match
// everything.
type SearchCriteria struct {
	RunID        string
	BlockID      string
	EvidenceType EvidenceType
	DateFrom     time.Time
	DateTo       time.Time
	Tags         []string
}

// SearchResult is one ranked hit.
type SearchResult struct {
	EvidenceID     string       `json:"evidence_id"`
	EvidenceType   EvidenceType `json:"evidence_type"`
	BlockID        string       `json:"block_id"`
	RunID          string       `json:"run_id"`
	Timestamp      time.Time    `json:"timestamp"`
	FilePath       string       `json:"file_path"`
	Tags           []string     `json:"tags"`
	RelevanceScore float64      `json:"relevance_score"`
}

func (c SearchCriteria) matches(m *Metadata) bool {
	if c.RunID != "" && c.RunID != m.RunID {
		return false
	}
	if c.BlockID != "" && c.BlockID != m.BlockID {
		return false
	}
	if c.EvidenceType != "" && c.EvidenceType != m.EvidenceType {
		return false
	}
	if !c.DateFrom.IsZero() && m.Timestamp.Before(c.DateFrom) {
		return false
	}
	if !c.DateTo.IsZero() && m.Timestamp.After(c.DateTo) {
		return false
	}
	if len(c.Tags) > 0 && countTagOverlap(c.Tags, m.Tags) == 0 {
		return false
	}
	return true
}

// relevance scores a match: +10 for an exact run id, +5 for an exact
// block id, up to +3 for tag overlap, and up to +1 for freshness,
// decaying linearly to zero over a year.
func (c SearchCriteria) relevance(m *Metadata, now time.Time) float64 {
	score := 0.0
	if c.RunID != "" && c.RunID == m.RunID {
		score += 10.0
	}
	if c.BlockID != "" && c.BlockID == m.BlockID {
		score += 5.0
	}
	if len(c.Tags) > 0 && len(m.Tags) > 0 {
		score += float64(countTagOverlap(c.Tags, m.Tags)) / float64(len(c.Tags)) * 3.0
	}
	daysOld := now.Sub(m.Timestamp).Hours() / 24.0
	if freshness := 1.0 - daysOld/365.0; freshness > 0 {
		score += freshness
	}
	return score
}

func countTagOverlap(search, have []string) int {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range search {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}
