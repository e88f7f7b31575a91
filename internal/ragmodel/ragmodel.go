// Package ragmodel holds the small set of value types that flow between
// the retrieval components: one record every component agrees on
// instead of loosely-typed maps passed between functions.
package ragmodel

// RetrievedChunk is one passage surfaced by a search, enriched with the
// document title the vector store itself does not know.
type RetrievedChunk struct {
	ChunkID      int64
	DocID        int
	DocTitle     string
	Text         string
	Score        float32
	PageNumber   *int
	ChunkIndex   int
	ChunkType    string
	SectionTitle string
}

// Citation ties an answer span back to the retrieved chunk that
// supported it.
type Citation struct {
	Index        int    `json:"index"`
	ChunkID      int64  `json:"chunk_id"`
	DocID        int    `json:"doc_id"`
	DocTitle     string `json:"doc_title"`
	PageNumber   *int   `json:"page_number,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	Preview      string `json:"preview"`
}
