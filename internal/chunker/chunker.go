// Package chunker partitions a document's extracted text into
// semantically coherent passages, preserving markdown tables and
// tracking page/section provenance.
package chunker

import (
	"regexp"
	"strings"

	"github.com/docmind-ai/rag-core/internal/tokenizer"
)

// ChunkType distinguishes prose chunks from table chunks.
type ChunkType string

const (
	TypeText  ChunkType = "text"
	TypeTable ChunkType = "table"
)

// Chunk is a contiguous passage of a document's text with metadata.
type Chunk struct {
	ChunkIndex   int
	Text         string
	StartChar    int
	EndChar      int
	PageNumber   *int
	SectionTitle string
	ChunkType    ChunkType
	TokenCount   int
}

var (
	tablePattern = regexp.MustCompile(`(?m)(\|[^\n]+\|\n(?:\|[-:| ]+\|\n)?(?:\|[^\n]+\|\n?)+)`)
	headingLine  = regexp.MustCompile(`(?m)^#{1,6}[ \t]+\S.*$`)
	pagePattern  = regexp.MustCompile(`(?m)^---\s*Page\s*(\d+)\s*---\s*$`)
	blankRun     = regexp.MustCompile(`\n{2,}`)
)

// page is a page marker's byte position and number.
type page struct {
	pos int
	num int
}

// segment is an internal unit produced by the boundary split, carrying
// its own start offset so later chunk assembly never needs to
// re-locate text by searching.
type segment struct {
	text    string
	start   int
	isTable bool
}

// Options configures the Chunker's size bounds. Zero values fall back to
// the defaults (500/800/0.15).
type Options struct {
	MinTokens      int
	MaxTokens      int
	OverlapPercent float64
}

// Chunker partitions document text into Chunks.
type Chunker struct {
	minTokens      int
	maxTokens      int
	overlapPercent float64
	counter        tokenizer.Counter
}

// New creates a Chunker with the given options and token counter.
func New(opts Options, counter tokenizer.Counter) *Chunker {
	c := &Chunker{
		minTokens:      opts.MinTokens,
		maxTokens:      opts.MaxTokens,
		overlapPercent: opts.OverlapPercent,
		counter:        counter,
	}
	if c.minTokens <= 0 {
		c.minTokens = 500
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 800
	}
	if c.overlapPercent <= 0 {
		c.overlapPercent = 0.15
	}
	return c
}

// Chunk splits text into semantic Chunks: locate page markers and
// tables, split at natural boundaries, then greedily pack segments
// with suffix overlap.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	pages := findPages(text)
	segments := splitAtBoundaries(text)

	var chunks []Chunk
	var pending []segment
	pendingTokens := 0
	chunkIndex := 0

	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunkText := joinSegments(pending)
		start := pending[0].start
		end := start + len(chunkText)
		chunks = append(chunks, Chunk{
			ChunkIndex:   chunkIndex,
			Text:         chunkText,
			StartChar:    start,
			EndChar:      end,
			PageNumber:   pageAt(start, pages),
			SectionTitle: sectionAt(text, start),
			ChunkType:    TypeText,
			TokenCount:   pendingTokens,
		})
		chunkIndex++
	}

	for _, seg := range segments {
		segTokens := c.counter.Count(seg.text)

		if seg.isTable {
			flush()
			pending = nil
			pendingTokens = 0

			chunks = append(chunks, Chunk{
				ChunkIndex:   chunkIndex,
				Text:         seg.text,
				StartChar:    seg.start,
				EndChar:      seg.start + len(seg.text),
				PageNumber:   pageAt(seg.start, pages),
				SectionTitle: sectionAt(text, seg.start),
				ChunkType:    TypeTable,
				TokenCount:   segTokens,
			})
			chunkIndex++
			continue
		}

		if pendingTokens+segTokens > c.maxTokens && len(pending) > 0 {
			flush()

			overlapBudget := int(float64(pendingTokens) * c.overlapPercent)
			overlap, overlapTokens := suffixOverlap(pending, overlapBudget, c.counter)
			pending = overlap
			pendingTokens = overlapTokens
		}

		pending = append(pending, seg)
		pendingTokens += segTokens
	}

	flush()

	return chunks
}

// joinSegments joins segment texts with a double newline so start/end
// offsets line up with len(chunkText).
func joinSegments(segs []segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.text
	}
	return strings.Join(parts, "\n\n")
}

// suffixOverlap returns the trailing segments of pending whose combined
// token count is <= budget, for seeding the next chunk.
func suffixOverlap(pending []segment, budget int, counter tokenizer.Counter) ([]segment, int) {
	if budget <= 0 {
		return nil, 0
	}
	var kept []segment
	total := 0
	for i := len(pending) - 1; i >= 0; i-- {
		t := counter.Count(pending[i].text)
		if total+t > budget {
			break
		}
		kept = append([]segment{pending[i]}, kept...)
		total += t
	}
	return kept, total
}

// findPages locates `--- Page N ---` markers and their byte positions.
func findPages(text string) []page {
	matches := pagePattern.FindAllStringSubmatchIndex(text, -1)
	pages := make([]page, 0, len(matches))
	for _, m := range matches {
		numStr := text[m[2]:m[3]]
		n := atoiSafe(numStr)
		pages = append(pages, page{pos: m[0], num: n})
	}
	return pages
}

func pageAt(pos int, pages []page) *int {
	var current *int
	for _, p := range pages {
		if p.pos <= pos {
			n := p.num
			current = &n
		} else {
			break
		}
	}
	return current
}

// sectionAt finds the most recent heading text preceding pos.
func sectionAt(text string, pos int) string {
	matches := headingLine.FindAllStringIndex(text, -1)
	last := ""
	for _, m := range matches {
		if m[0] <= pos {
			last = strings.TrimLeft(text[m[0]:m[1]], "#")
			last = strings.TrimSpace(last)
		} else {
			break
		}
	}
	return last
}

// splitAtBoundaries protects tables with placeholders, splits on blank-
// line runs and heading lines, then restores table text in place while
// carrying forward each segment's original byte offset.
func splitAtBoundaries(text string) []segment {
	tableMatches := tablePattern.FindAllStringIndex(text, -1)

	type region struct {
		start, end int
		table      bool
	}
	regions := make([]region, 0, len(tableMatches))
	for _, m := range tableMatches {
		regions = append(regions, region{start: m[0], end: m[1], table: true})
	}

	// Merge the non-table spans with heading/blank-line boundaries by
	// walking the text once, switching mode whenever we enter or leave a
	// table region.
	var segments []segment
	pos := 0
	tableIdx := 0

	appendProseRange := func(start, end int) {
		segments = append(segments, splitProse(text, start, end)...)
	}

	for pos < len(text) {
		if tableIdx < len(regions) && regions[tableIdx].start == pos {
			r := regions[tableIdx]
			segments = append(segments, segment{
				text:    text[r.start:r.end],
				start:   r.start,
				isTable: true,
			})
			pos = r.end
			tableIdx++
			continue
		}

		next := len(text)
		if tableIdx < len(regions) {
			next = regions[tableIdx].start
		}
		if next > pos {
			appendProseRange(pos, next)
		}
		pos = next
	}

	// Drop empty segments (blank-only spans).
	out := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s.text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitProse splits text[start:end] at blank-line runs and heading lines,
// returning segments with absolute byte offsets.
func splitProse(text string, start, end int) []segment {
	sub := text[start:end]
	var segs []segment

	cursor := 0
	emit := func(from, to int) {
		trimmedStart := from
		for trimmedStart < to && isSpaceByte(sub[trimmedStart]) {
			trimmedStart++
		}
		trimmedEnd := to
		for trimmedEnd > trimmedStart && isSpaceByte(sub[trimmedEnd-1]) {
			trimmedEnd--
		}
		if trimmedEnd > trimmedStart {
			segs = append(segs, segment{
				text:  sub[trimmedStart:trimmedEnd],
				start: start + trimmedStart,
			})
		}
	}

	headingMatches := headingLine.FindAllStringIndex(sub, -1)
	blankMatches := blankRun.FindAllStringIndex(sub, -1)

	// Merge boundary breakpoints from both patterns, in order.
	var breaks []breakpoint
	for _, m := range headingMatches {
		breaks = append(breaks, breakpoint{from: m[0], to: m[1], heading: true})
	}
	for _, m := range blankMatches {
		breaks = append(breaks, breakpoint{from: m[0], to: m[1]})
	}
	sortBreaks(breaks)

	for _, b := range breaks {
		if b.from < cursor {
			continue
		}
		emit(cursor, b.from)
		if b.heading {
			segs = append(segs, segment{text: strings.TrimSpace(sub[b.from:b.to]), start: start + b.from})
		}
		cursor = b.to
	}
	emit(cursor, len(sub))

	return segs
}

// breakpoint marks a split point found by either the heading or the
// blank-line-run pattern within a prose span.
type breakpoint struct {
	from, to int
	heading  bool
}

func sortBreaks(b []breakpoint) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1].from > b[j].from; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
