// Package contextassembler deduplicates, orders, and budgets retrieved
// chunks into a single prompt body.
package contextassembler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docmind-ai/rag-core/internal/ragmodel"
	"github.com/docmind-ai/rag-core/internal/tokenizer"
)

const (
	defaultMaxTokens   = 4000
	dedupeThreshold    = 0.7
	fingerprintLen     = 100
	followUpNewShare   = 0.7
	followUpMinRemain  = 100
	followUpMaxPrev    = 3
	tableOverageFactor = 1.1
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Assembled is the result of Assemble: a formatted prompt body plus the
// bookkeeping the orchestrator and HTTP layer need.
type Assembled struct {
	ContextText     string
	ChunksUsed      int
	TotalTokens     int
	SourceDocuments []int
	Citations       []ragmodel.Citation
}

// Assembler formats retrieved chunks into a bounded prompt.
type Assembler struct {
	maxTokens int
	counter   tokenizer.Counter
}

// New creates an Assembler. maxTokens <= 0 falls back to the default
// of 4000.
func New(maxTokens int, counter tokenizer.Counter) *Assembler {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Assembler{maxTokens: maxTokens, counter: counter}
}

// Assemble dedupes, sorts, and budgets chunks (already ordered by score)
// into a single context block.
func (a *Assembler) Assemble(chunks []ragmodel.RetrievedChunk) Assembled {
	return a.assembleWithBudget(chunks, a.maxTokens)
}

func (a *Assembler) assembleWithBudget(chunks []ragmodel.RetrievedChunk, maxTokens int) Assembled {
	if len(chunks) == 0 {
		return Assembled{}
	}

	unique := dedupe(chunks)
	sorted := sortLogical(unique)

	var (
		parts      []string
		used       []ragmodel.RetrievedChunk
		runningTok int
	)

	for _, c := range sorted {
		idx := len(used) + 1
		formatted := formatChunk(c, idx)
		tok := a.counter.Count(formatted)

		if runningTok+tok > maxTokens {
			// A table chunk may exceed the cap by up to 10%; acceptance
			// still halts at the first over-budget chunk either way.
			if c.ChunkType == "table" && float64(runningTok+tok) < float64(maxTokens)*tableOverageFactor {
				parts = append(parts, formatted)
				used = append(used, c)
				runningTok += tok
			}
			break
		}

		parts = append(parts, formatted)
		used = append(used, c)
		runningTok += tok
	}

	return Assembled{
		ContextText:     strings.Join(parts, "\n\n---\n\n"),
		ChunksUsed:      len(used),
		TotalTokens:     runningTok,
		SourceDocuments: uniqueDocIDs(used),
		Citations:       buildCitations(used),
	}
}

// AssembleFollowUp splits the budget 70/30 between newly retrieved
// chunks and the previous turn's chunks, appending up to three previous
// chunks under a "[Previous Context]" delimiter when room remains.
func (a *Assembler) AssembleFollowUp(newChunks, previousChunks []ragmodel.RetrievedChunk) Assembled {
	newMax := int(float64(a.maxTokens) * followUpNewShare)
	newAssembled := a.assembleWithBudget(newChunks, newMax)

	remaining := a.maxTokens - newAssembled.TotalTokens
	if remaining <= followUpMinRemain || len(previousChunks) == 0 {
		return newAssembled
	}

	seen := make(map[int64]bool, len(newChunks))
	for _, c := range newChunks {
		seen[c.ChunkID] = true
	}

	var prevOnly []ragmodel.RetrievedChunk
	for _, c := range previousChunks {
		if !seen[c.ChunkID] {
			prevOnly = append(prevOnly, c)
		}
	}
	if len(prevOnly) > followUpMaxPrev {
		prevOnly = prevOnly[:followUpMaxPrev]
	}

	prevAssembled := a.assembleWithBudget(prevOnly, remaining)
	if prevAssembled.ContextText == "" {
		return newAssembled
	}

	return Assembled{
		ContextText:     newAssembled.ContextText + "\n\n---\n[Previous Context]\n---\n\n" + prevAssembled.ContextText,
		ChunksUsed:      newAssembled.ChunksUsed + prevAssembled.ChunksUsed,
		TotalTokens:     newAssembled.TotalTokens + prevAssembled.TotalTokens,
		SourceDocuments: mergeDocIDs(newAssembled.SourceDocuments, prevAssembled.SourceDocuments),
		Citations:       append(append([]ragmodel.Citation{}, newAssembled.Citations...), prevAssembled.Citations...),
	}
}

// fingerprint normalizes a chunk's text for exact-duplicate detection:
// lowercase, whitespace-collapsed, first 100 characters.
func fingerprint(text string) string {
	normalized := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	if r := []rune(normalized); len(r) > fingerprintLen {
		normalized = string(r[:fingerprintLen])
	}
	return normalized
}

func jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// dedupe collapses exact-fingerprint duplicates to the first seen, then
// drops any chunk whose word-set Jaccard overlap with an already-kept
// chunk is >= 0.7.
func dedupe(chunks []ragmodel.RetrievedChunk) []ragmodel.RetrievedChunk {
	seenFingerprints := make(map[string]bool, len(chunks))
	var kept []ragmodel.RetrievedChunk

	for _, c := range chunks {
		fp := fingerprint(c.Text)
		if seenFingerprints[fp] {
			continue
		}

		duplicate := false
		for _, k := range kept {
			if jaccard(c.Text, k.Text) >= dedupeThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		seenFingerprints[fp] = true
		kept = append(kept, c)
	}
	return kept
}

// sortLogical orders chunks by (doc_id asc, page_number asc (nil as 0),
// chunk_index asc): a logical-order assembly, not a score order.
func sortLogical(chunks []ragmodel.RetrievedChunk) []ragmodel.RetrievedChunk {
	out := make([]ragmodel.RetrievedChunk, len(chunks))
	copy(out, chunks)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		pa, pb := pageOrZero(a.PageNumber), pageOrZero(b.PageNumber)
		if pa != pb {
			return pa < pb
		}
		return a.ChunkIndex < b.ChunkIndex
	})
	return out
}

func pageOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// formatChunk renders one accepted chunk as:
//	[Source N] | From: <doc_title> | Page <p> | Section: <s>
//	<chunk text>
// omitting missing fields.
func formatChunk(c ragmodel.RetrievedChunk, index int) string {
	var header []string
	header = append(header, "[Source "+strconv.Itoa(index)+"]")

	if c.DocTitle != "" {
		header = append(header, "From: "+c.DocTitle)
	}
	if c.PageNumber != nil {
		header = append(header, "Page "+strconv.Itoa(*c.PageNumber))
	}
	if c.SectionTitle != "" {
		header = append(header, "Section: "+c.SectionTitle)
	}

	return strings.Join(header, " | ") + "\n" + c.Text
}

func buildCitations(chunks []ragmodel.RetrievedChunk) []ragmodel.Citation {
	citations := make([]ragmodel.Citation, 0, len(chunks))
	for i, c := range chunks {
		preview := c.Text
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		citations = append(citations, ragmodel.Citation{
			Index:        i + 1,
			ChunkID:      c.ChunkID,
			DocID:        c.DocID,
			DocTitle:     c.DocTitle,
			PageNumber:   c.PageNumber,
			SectionTitle: c.SectionTitle,
			Preview:      preview,
		})
	}
	return citations
}

func uniqueDocIDs(chunks []ragmodel.RetrievedChunk) []int {
	seen := make(map[int]bool, len(chunks))
	var ids []int
	for _, c := range chunks {
		if !seen[c.DocID] {
			seen[c.DocID] = true
			ids = append(ids, c.DocID)
		}
	}
	return ids
}

func mergeDocIDs(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, id := range append(append([]int{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
