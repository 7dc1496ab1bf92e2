package search

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

// BM25 parameters, standard Okapi values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var englishStopwords = stopwords.MustGet("en")

// LexicalRank scores every candidate text against the query with Okapi
// BM25 and returns uuids ordered best first. Candidates with a zero score
// are left out of the list.
func LexicalRank(query string, texts map[string]string) []string {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 || len(texts) == 0 {
		return nil
	}

	docs := make(map[string][]string, len(texts))
	docFreq := make(map[string]int)
	totalLen := 0
	for uuid, text := range texts {
		terms := Tokenize(text)
		docs[uuid] = terms
		totalLen += len(terms)

		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			docFreq[term]++
		}
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		return nil
	}

	type scored struct {
		uuid  string
		score float64
	}
	var ranked []scored
	for uuid, terms := range docs {
		score := bm25Score(queryTerms, terms, docFreq, len(docs), avgLen)
		if score > 0 {
			ranked = append(ranked, scored{uuid: uuid, score: score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].uuid < ranked[j].uuid
	})

	uuids := make([]string, len(ranked))
	for i, r := range ranked {
		uuids[i] = r.uuid
	}
	return uuids
}

func bm25Score(queryTerms, docTerms []string, docFreq map[string]int, docCount int, avgLen float64) float64 {
	termFreq := make(map[string]int, len(docTerms))
	for _, term := range docTerms {
		termFreq[term]++
	}
	docLen := float64(len(docTerms))

	var score float64
	for _, term := range queryTerms {
		tf := float64(termFreq[term])
		if tf == 0 {
			continue
		}
		df := float64(docFreq[term])
		// IDF with the +1 floor so common terms never score negative.
		idf := math.Log((float64(docCount)-df+0.5)/(df+0.5) + 1)
		score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
	}
	return score
}

// Tokenize lowercases, strips punctuation and drops English stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if englishStopwords.Contains(field) {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}
