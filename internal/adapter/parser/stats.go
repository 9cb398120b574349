package parser

// UnknownLine is a sample of a line no pattern recognized.
type UnknownLine struct {
	LineNumber int    `json:"line_num"`
	Content    string `json:"content"`
}

// Stats describes how the lines seen so far were parsed.
type Stats struct {
	TotalLines     int           `json:"total_lines"`
	ParsedLines    int           `json:"parsed_lines"`
	FallbackLines  int           `json:"fallback_lines"`
	PatternMatches []int         `json:"pattern_matches"`
	UnknownSamples []UnknownLine `json:"unknown_format_lines"`
}

func newStats() Stats {
	return Stats{PatternMatches: make([]int, len(patterns))}
}

// SuccessRate is the percentage of non-blank lines that produced a message.
func (s Stats) SuccessRate() float64 {
	if s.TotalLines == 0 {
		return 0
	}
	return float64(s.ParsedLines) / float64(s.TotalLines) * 100
}

// Stats returns a copy of the current counters.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.PatternMatches = append([]int(nil), p.stats.PatternMatches...)
	s.UnknownSamples = append([]UnknownLine(nil), p.stats.UnknownSamples...)
	return s
}

// ResetStats clears the counters.
func (p *Parser) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = newStats()
}
