package core

import "time"

// Record is one cached memory payload: the text that gets injected into a
// prompt plus the metadata needed to order and attribute it.
type Record struct {
	// ID uniquely identifies the record across cache and authoritative store.
	ID string

	// Text is the memory content.
	Text string

	// Metadata holds flexible string fields (source, conversation id, tags).
	Metadata map[string]string

	// CreatedAt is when the record was originally written, not when it was
	// cached. Truncation and recency ordering compare on this field.
	CreatedAt time.Time
}

// VectorRecord pairs a record with its embedding vector. It is the unit of
// population: index i in a batch's records corresponds to index i in vectors.
type VectorRecord struct {
	Record Record
	Vector []float32
}

// ScoredRecord is one search result. Distance is L2 over unit vectors,
// smaller is more similar.
type ScoredRecord struct {
	Record   Record
	Distance float32
}
