// Package sessionmemory tracks cross-turn context per conversation so
// follow-up queries can be detected and merged with prior retrieval.
package sessionmemory

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docmind-ai/rag-core/internal/ragmodel"
)

const (
	maxChunks        = 10
	maxKeywords      = 30
	sessionTimeout   = 30 * time.Minute
	keywordOverlapOK = 2
)

var followUpPhrases = []string{
	"explain more", "tell me more", "elaborate",
	"what about", "how about", "and what",
	"can you clarify", "what do you mean",
	"in other words", "simpler", "more detail",
	"why is that", "how does that", "what else",
	"related to that", "regarding that", "on that note",
	"also", "additionally", "what's that",
}

var pronounPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(it|this|that|these|those|they)\s`),
	regexp.MustCompile(`(?i)^what (is|are) (it|they|these|those)\b`),
	regexp.MustCompile(`(?i)^(?:(?:can|could|would) you |please )?(explain|describe|summarize) (it|this|that)\b`),
}

// Context is the per-conversation state the orchestrator consults
// before and after every turn.
type Context struct {
	ConversationID string
	LastQuery      string
	LastChunks     []ragmodel.RetrievedChunk
	QueryHistory   []string
	TopicKeywords  []string
	LastUpdated    time.Time
}

// isFollowUp decides whether query depends on this context's prior turn.
func (c *Context) isFollowUp(query string) bool {
	lower := strings.ToLower(query)

	for _, phrase := range followUpPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	for _, p := range pronounPatterns {
		if p.MatchString(lower) {
			return true
		}
	}

	if len(c.TopicKeywords) > 0 {
		queryWords := make(map[string]bool)
		for _, w := range strings.Fields(lower) {
			queryWords[w] = true
		}

		overlap := 0
		for _, kw := range c.TopicKeywords {
			if queryWords[strings.ToLower(kw)] {
				overlap++
			}
		}
		if overlap >= keywordOverlapOK {
			return true
		}
	}

	return false
}

// update folds a completed turn into the context: keeps the last 10
// chunks, appends the query to history, and merges keywords so the most
// recent 30 unique survive.
func (c *Context) update(query string, chunks []ragmodel.RetrievedChunk, keywords []string) {
	c.LastQuery = query
	if len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	c.LastChunks = append([]ragmodel.RetrievedChunk{}, chunks...)
	c.QueryHistory = append(c.QueryHistory, query)
	c.TopicKeywords = mergeKeywords(c.TopicKeywords, keywords)
	c.LastUpdated = time.Now()
}

// mergeKeywords appends new keywords, deduplicates, and keeps only the
// most recent 30; older keywords are bumped out first.
func mergeKeywords(existing, incoming []string) []string {
	combined := append(append([]string{}, existing...), incoming...)

	seen := make(map[string]bool, len(combined))
	var deduped []string
	for _, kw := range combined {
		if seen[kw] {
			continue
		}
		seen[kw] = true
		deduped = append(deduped, kw)
	}

	if len(deduped) > maxKeywords {
		deduped = deduped[len(deduped)-maxKeywords:]
	}
	return deduped
}

// Memory maps conversation ids to Contexts, guarded by a single mutex.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Context
}

// New creates an empty Memory.
func New() *Memory {
	return &Memory{sessions: make(map[string]*Context)}
}

// GetSession returns (creating if needed) the context for cid, after
// sweeping every session idle for >= 30 minutes.
func (m *Memory) GetSession(cid string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupExpiredLocked()

	ctx, ok := m.sessions[cid]
	if !ok {
		ctx = &Context{ConversationID: cid, LastUpdated: time.Now()}
		m.sessions[cid] = ctx
	}
	return ctx
}

// IsFollowUp reports whether query is a follow-up within conversation
// cid. A conversation with no prior turn is never a follow-up. Two
// calls with no intervening Update return the same value.
func (m *Memory) IsFollowUp(cid, query string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.sessions[cid]
	if !ok || ctx.LastQuery == "" {
		return false
	}
	return ctx.isFollowUp(query)
}

// PreviousChunks returns the chunks retrieved for cid's last turn, or
// nil if the conversation is unknown.
func (m *Memory) PreviousChunks(cid string) []ragmodel.RetrievedChunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.sessions[cid]
	if !ok {
		return nil
	}
	return ctx.LastChunks
}

// Update records a completed turn for cid.
func (m *Memory) Update(cid, query string, chunks []ragmodel.RetrievedChunk, keywords []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.sessions[cid]
	if !ok {
		ctx = &Context{ConversationID: cid}
		m.sessions[cid] = ctx
	}
	ctx.update(query, chunks, keywords)
}

// Clear drops cid's context entirely.
func (m *Memory) Clear(cid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, cid)
}

func (m *Memory) cleanupExpiredLocked() {
	now := time.Now()
	for cid, ctx := range m.sessions {
		if now.Sub(ctx.LastUpdated) >= sessionTimeout {
			delete(m.sessions, cid)
		}
	}
}
