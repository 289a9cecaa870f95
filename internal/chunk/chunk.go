// Package chunk turns document text into an ordered list of retrievable
// chunks. A registry of strategies scores incoming text and the best match
// does the splitting; callers can also pin a strategy by name.
package chunk

import (
	"strings"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/internal/apperr"
)

// Config controls one chunking run.
type Config struct {
	MaxChars int
	Overlap  int
}

// Meta carries the request hints strategies may score on.
type Meta struct {
	Filename     string
	MimeType     string
	DocumentType string
	Source       string
}

// Strategy scores its fit for a piece of text and splits it.
type Strategy interface {
	Name() string
	Description() string
	DefaultConfig() Config
	// Score returns a confidence in [0,1] that this strategy fits the
	// sample (the first 2000 characters of the document).
	Score(sample string, meta Meta) float64
	Chunk(text string, cfg Config) []string
}

// Info describes a registered strategy for the introspection endpoints.
type Info struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MaxChars    int     `json:"max_chars"`
	Overlap     int     `json:"overlap"`
	Score       float64 `json:"score,omitempty"`
}

// detectSampleSize limits how much text the scorers see.
const detectSampleSize = 2000

// minConfidence is the auto-detect floor; below it the fallback wins.
const minConfidence = 0.3

// Registry holds strategies in priority order. When two strategies score
// equally the earlier one wins, so registration order is part of the
// contract.
type Registry struct {
	ordered []Strategy
	byName  map[string]Strategy
}

// NewRegistry returns a registry with all built-in strategies registered
// in priority order.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Strategy)}
	for _, s := range []Strategy{
		&pageTableStrategy{},
		&semanticSectionsStrategy{},
		&conversationStrategy{},
		&tableAwareStrategy{},
		&reviewsStrategy{},
		&menusStrategy{},
		&legalStrategy{},
		&administrativeStrategy{},
		&defaultStrategy{},
	} {
		r.register(s)
	}
	return r
}

func (r *Registry) register(s Strategy) {
	r.ordered = append(r.ordered, s)
	r.byName[s.Name()] = s
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// List returns info for every registered strategy, in priority order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.ordered))
	for _, s := range r.ordered {
		cfg := s.DefaultConfig()
		out = append(out, Info{
			Name:        s.Name(),
			Description: s.Description(),
			MaxChars:    cfg.MaxChars,
			Overlap:     cfg.Overlap,
		})
	}
	return out
}

// Scores computes every strategy's confidence on the sample.
func (r *Registry) Scores(text string, meta Meta) []Info {
	sample := sampleOf(text)
	out := make([]Info, 0, len(r.ordered))
	for _, s := range r.ordered {
		cfg := s.DefaultConfig()
		out = append(out, Info{
			Name:        s.Name(),
			Description: s.Description(),
			MaxChars:    cfg.MaxChars,
			Overlap:     cfg.Overlap,
			Score:       s.Score(sample, meta),
		})
	}
	return out
}

// Detect returns the best strategy for the text. Scores below the
// confidence floor fall back to default. Equal scores resolve to the
// higher-priority strategy.
func (r *Registry) Detect(text string, meta Meta) Strategy {
	sample := sampleOf(text)
	best := r.byName["default"]
	bestScore := -1.0
	for _, s := range r.ordered {
		if score := s.Score(sample, meta); score > bestScore {
			best = s
			bestScore = score
		}
	}
	if bestScore < minConfidence {
		return r.byName["default"]
	}
	return best
}

// Result is the outcome of a Split call.
type Result struct {
	Strategy string
	Chunks   []string
}

// Split chunks text with the named strategy, or auto-detects when name is
// empty. A non-nil overlap overrides the strategy default. Whitespace-only
// text yields a result with zero chunks and no error.
func (r *Registry) Split(text, name string, overlap *int, meta Meta) (Result, error) {
	var strategy Strategy
	if name != "" {
		s, ok := r.Get(name)
		if !ok {
			return Result{}, apperr.Validation("unknown chunk strategy: " + name)
		}
		strategy = s
	} else {
		strategy = r.Detect(text, meta)
	}

	res := Result{Strategy: strategy.Name()}
	if strings.TrimSpace(text) == "" {
		return res, nil
	}

	cfg := strategy.DefaultConfig()
	if overlap != nil && *overlap >= 0 {
		cfg.Overlap = *overlap
	}

	for _, c := range strategy.Chunk(text, cfg) {
		if strings.TrimSpace(c) != "" {
			res.Chunks = append(res.Chunks, c)
		}
	}
	return res, nil
}

func sampleOf(text string) string {
	if len(text) <= detectSampleSize {
		return text
	}
	// Back off to a rune boundary.
	cut := detectSampleSize
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut]
}
