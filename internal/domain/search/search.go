// Package search ranks catalog items against free-text queries.
//
// The score of an item is a weighted sum of three signals computed over the
// normalized item name, brand and tags:
//
//	Substring (1.0)  the whole normalized query occurs inside one field
//	Overlap   (0.6)  fraction of query tokens equal to some item token
//	Typo      (0.4)  mean best edit-distance similarity of query tokens
//
// Typo similarity is 1 - levenshtein(a, b)/max(len(a), len(b)). Values below
// the matcher floor count as zero and tokens shorter than MinTypoLen do not
// take part, so "brad" still finds "bread" while "xyzxyz" finds nothing.
// Likewise a query shorter than MinSubstringLen runes earns no substring
// score, so "a" only matches items with a token equal to "a" rather than
// every name containing the letter. Items scoring zero are dropped; ties keep
// catalog order.
package search

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/xenking/quickcart/internal/domain/catalog"
)

// Weights of the individual scoring signals.
type Weights struct {
	Substring float64
	Overlap   float64
	Typo      float64
}

// DefaultWeights are the weights used by New.
var DefaultWeights = Weights{Substring: 1.0, Overlap: 0.6, Typo: 0.4}

const (
	// DefaultFloor is the minimum typo similarity that counts as a match.
	DefaultFloor = 0.6
	// DefaultMinTypoLen is the shortest query token eligible for typo matching.
	DefaultMinTypoLen = 3
	// DefaultMinSubstringLen is the shortest normalized query eligible for
	// substring matching.
	DefaultMinSubstringLen = 2
)

// Result is a ranked catalog item.
type Result struct {
	Item  catalog.Item
	Score float64
}

// Matcher scores queries against an Index. The zero value is not usable;
// construct with New.
type Matcher struct {
	weights         Weights
	floor           float64
	minTypoLen      int
	minSubstringLen int
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWeights overrides the signal weights.
func WithWeights(w Weights) Option {
	return func(m *Matcher) { m.weights = w }
}

// WithFloor overrides the typo similarity floor.
func WithFloor(floor float64) Option {
	return func(m *Matcher) {
		if floor > 0 && floor <= 1 {
			m.floor = floor
		}
	}
}

// New returns a Matcher with default weights and floor.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		weights:         DefaultWeights,
		floor:           DefaultFloor,
		minTypoLen:      DefaultMinTypoLen,
		minSubstringLen: DefaultMinSubstringLen,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// document is the normalized form of a catalog item.
type document struct {
	item   catalog.Item
	fields []string
	tokens []string
}

// Index holds pre-normalized catalog items in catalog order.
type Index struct {
	docs []document
}

// NewIndex normalizes items once so repeated searches only normalize the query.
func NewIndex(items []catalog.Item) *Index {
	idx := &Index{docs: make([]document, 0, len(items))}
	for _, it := range items {
		idx.docs = append(idx.docs, newDocument(it))
	}
	return idx
}

func newDocument(it catalog.Item) document {
	d := document{item: it}
	add := func(s string) {
		toks := Tokens(s)
		if len(toks) == 0 {
			return
		}
		d.fields = append(d.fields, strings.Join(toks, " "))
		for _, t := range toks {
			if !slices.Contains(d.tokens, t) {
				d.tokens = append(d.tokens, t)
			}
		}
	}
	add(it.Name)
	add(it.Brand)
	for _, tag := range it.Tags {
		add(tag)
	}
	return d
}

// Len returns the number of indexed items.
func (idx *Index) Len() int { return len(idx.docs) }

// Search returns at most limit items ranked by score, best first. A limit of
// zero or less means no cap. An empty result is the normal "no match" outcome.
func (m *Matcher) Search(idx *Index, query string, limit int) []Result {
	q := Tokens(query)
	if len(q) == 0 || idx == nil {
		return nil
	}

	var results []Result
	for _, d := range idx.docs {
		if s := m.score(q, d); s > 0 {
			results = append(results, Result{Item: d.item, Score: s})
		}
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Score returns the score of a single item for query.
func (m *Matcher) Score(query string, it catalog.Item) float64 {
	q := Tokens(query)
	if len(q) == 0 {
		return 0
	}
	return m.score(q, newDocument(it))
}

// Score scores query against it with the default matcher.
func Score(query string, it catalog.Item) float64 {
	return New().Score(query, it)
}

func (m *Matcher) score(query []string, d document) float64 {
	var total float64

	if phrase := strings.Join(query, " "); utf8.RuneCountInString(phrase) >= m.minSubstringLen {
		for _, f := range d.fields {
			if strings.Contains(f, phrase) {
				total += m.weights.Substring
				break
			}
		}
	}

	var hits int
	for _, t := range query {
		if slices.Contains(d.tokens, t) {
			hits++
		}
	}
	total += m.weights.Overlap * float64(hits) / float64(len(query))

	var (
		simSum   float64
		eligible int
	)
	for _, t := range query {
		if utf8.RuneCountInString(t) < m.minTypoLen {
			continue
		}
		eligible++
		if best := m.bestSimilarity(t, d.tokens); best >= m.floor {
			simSum += best
		}
	}
	if eligible > 0 {
		total += m.weights.Typo * simSum / float64(eligible)
	}

	return total
}

func (m *Matcher) bestSimilarity(tok string, candidates []string) float64 {
	var best float64
	tl := utf8.RuneCountInString(tok)
	for _, c := range candidates {
		cl := utf8.RuneCountInString(c)
		longest := max(tl, cl)
		if longest == 0 {
			continue
		}
		// Length difference alone bounds the distance from below.
		if 1-float64(abs(tl-cl))/float64(longest) < m.floor {
			continue
		}
		sim := 1 - float64(levenshtein.ComputeDistance(tok, c))/float64(longest)
		if sim > best {
			best = sim
			if best == 1 {
				break
			}
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
