// Package queryprocessor cleans a raw user query, classifies its intent,
// extracts keywords, and suggests a retrieval depth.
package queryprocessor

import (
	"context"
	"regexp"
	"strings"

	"github.com/docmind-ai/rag-core/internal/embedding"
)

// Intent is the detected purpose of a user query.
type Intent string

const (
	IntentSummary  Intent = "summary"
	IntentExplain  Intent = "explain"
	IntentCompare  Intent = "compare"
	IntentFind     Intent = "find"
	IntentList     Intent = "list"
	IntentQuestion Intent = "question"
)

// Processed is the result of running a query through the pipeline. The
// Embedding field is populated only when Process is called with
// embed=true.
type Processed struct {
	OriginalQuery string
	CleanedQuery  string
	Intent        Intent
	SuggestedK    int
	Keywords      []string
	Embedding     []float32
}

// fillerPatterns strip at most one leading match each; stacked filler
// beyond that is left in place.
var fillerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(hey|hi|hello|please|can you|could you|would you|i want you to)\s*,?\s*`),
	regexp.MustCompile(`(?i)^(tell me|help me|i need to|i want to)\s*`),
}

// intentRule is one (intent, pattern) entry. Order matters: detectIntent
// walks rules in this order and returns on the first match, mirroring
// the SUMMARY -> EXPLAIN -> COMPARE -> FIND -> LIST priority.
type intentRule struct {
	intent  Intent
	pattern *regexp.Regexp
}

var intentRules = buildIntentRules()

func buildIntentRules() []intentRule {
	groups := []struct {
		intent Intent
		raw    []string
	}{
		{IntentSummary, []string{
			`^summar`, `give me a summary`, `brief overview`, `main points`,
			`key points`, `tldr`, `in short`,
		}},
		{IntentExplain, []string{
			`^explain`, `^what is`, `^what are`, `how does`, `how do`,
			`clarify`, `describe`, `meaning of`,
		}},
		{IntentCompare, []string{
			`compare`, `difference between`, `differences between`,
			`how are .+ different`, `versus`, ` vs `, `contrast`, `similarities`,
		}},
		{IntentFind, []string{
			`^find`, `^locate`, `^where is`, `^where are`, `show me`,
			`look for`, `search for`,
		}},
		{IntentList, []string{
			`^list`, `what are all`, `enumerate`, `give me all`, `all the .+ in`,
		}},
	}

	var rules []intentRule
	for _, g := range groups {
		for _, r := range g.raw {
			rules = append(rules, intentRule{intent: g.intent, pattern: regexp.MustCompile(r)})
		}
	}
	return rules
}

var intentKValues = map[Intent]int{
	IntentSummary:  10,
	IntentExplain:  5,
	IntentCompare:  8,
	IntentFind:     3,
	IntentList:     10,
	IntentQuestion: 5,
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "i": true, "you": true, "he": true, "she": true, "it": true,
	"we": true, "they": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "why": true, "how": true, "all": true, "each": true,
	"every": true, "both": true, "few": true, "more": true, "most": true, "other": true,
	"some": true, "such": true, "no": true, "not": true, "only": true, "same": true,
	"so": true, "than": true, "too": true, "very": true, "just": true, "about": true,
	"into": true, "from": true, "with": true, "for": true, "on": true, "at": true,
	"by": true, "to": true, "of": true, "in": true, "and": true, "or": true, "but": true,
	"me": true, "my": true, "myself": true, "our": true, "ours": true, "your": true, "yours": true,
}

var wordPattern = regexp.MustCompile(`[a-zA-Z]{2,}`)

// Processor runs the clean/detect/extract/determine pipeline. Embedder
// is optional: Process only calls it when asked to embed.
type Processor struct {
	embedder embedding.Embedder
}

// New creates a Processor. embedder may be nil if the caller never
// requests embed=true.
func New(embedder embedding.Embedder) *Processor { return &Processor{embedder: embedder} }

// CleanQuery collapses whitespace and strips a leading filler phrase.
func (p *Processor) CleanQuery(query string) string {
	cleaned := strings.Join(strings.Fields(query), " ")
	for _, pat := range fillerPatterns {
		cleaned = pat.ReplaceAllString(cleaned, "")
	}
	return strings.TrimSpace(cleaned)
}

// DetectIntent classifies a (cleaned) query, defaulting to IntentQuestion.
func (p *Processor) DetectIntent(query string) Intent {
	lower := strings.ToLower(query)
	for _, rule := range intentRules {
		if rule.pattern.MatchString(lower) {
			return rule.intent
		}
	}
	return IntentQuestion
}

// ExtractKeywords returns the query's significant terms, stopwords
// removed, deduplicated, in first-occurrence order.
func (p *Processor) ExtractKeywords(query string) []string {
	words := wordPattern.FindAllString(strings.ToLower(query), -1)

	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}

// DetermineK picks a retrieval depth from the intent's base value,
// widened for long queries and narrowed for short ones.
func (p *Processor) DetermineK(intent Intent, query string) int {
	k, ok := intentKValues[intent]
	if !ok {
		k = 5
	}

	wordCount := len(strings.Fields(query))
	switch {
	case wordCount > 20:
		k += 3
		if k > 15 {
			k = 15
		}
	case wordCount < 5:
		k -= 2
		if k < 3 {
			k = 3
		}
	}
	return k
}

// Process runs the full pipeline over a raw query, optionally embedding
// the cleaned text via the configured Embedder.
func (p *Processor) Process(ctx context.Context, query string, embed bool) (Processed, error) {
	cleaned := p.CleanQuery(query)
	intent := p.DetectIntent(cleaned)
	keywords := p.ExtractKeywords(cleaned)
	k := p.DetermineK(intent, cleaned)

	result := Processed{
		OriginalQuery: query,
		CleanedQuery:  cleaned,
		Intent:        intent,
		SuggestedK:    k,
		Keywords:      keywords,
	}

	if embed && p.embedder != nil {
		vec, err := p.embedder.EmbedQuery(ctx, cleaned)
		if err != nil {
			return Processed{}, err
		}
		result.Embedding = vec
	}

	return result, nil
}
