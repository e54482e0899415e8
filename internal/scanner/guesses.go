package scanner

// Guesses is a multiset of CITDL type guesses for one name.
type Guesses struct {
	order  []string
	counts map[string]int
}

// Add records one occurrence of citdl. Empty guesses are ignored.
func (g *Guesses) Add(citdl string) {
	if citdl == "" {
		return
	}
	if g.counts == nil {
		g.counts = make(map[string]int)
	}
	if g.counts[citdl] == 0 {
		g.order = append(g.order, citdl)
	}
	g.counts[citdl]++
}

// Merge adds every occurrence from other.
func (g *Guesses) Merge(other *Guesses) {
	if other == nil {
		return
	}
	for _, c := range other.order {
		for i := 0; i < other.counts[c]; i++ {
			g.Add(c)
		}
	}
}

// Count returns how often citdl was guessed.
func (g *Guesses) Count(citdl string) int { return g.counts[citdl] }

// Best returns the most frequent guess other than "None". Ties go to the
// guess seen first.
func (g *Guesses) Best() string {
	best, n := "", 0
	for _, c := range g.order {
		if c == "None" {
			continue
		}
		if g.counts[c] > n {
			best, n = c, g.counts[c]
		}
	}
	return best
}
