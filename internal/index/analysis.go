package index

import (
	"sort"
	"strings"
	"unicode"
)

// tokenize lowercases text and splits it into letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// titleBoost is how much more a title occurrence counts than a body one.
const titleBoost = 2

// termFrequencies counts the weighted occurrences of every term in doc.
func termFrequencies(doc Document) map[string]int {
	tf := make(map[string]int)
	for _, term := range tokenize(doc.Title) {
		tf[term] += titleBoost
	}
	for _, term := range tokenize(doc.Body) {
		tf[term]++
	}
	for _, label := range doc.Labels {
		for _, term := range tokenize(label) {
			tf[term]++
		}
	}
	return tf
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
