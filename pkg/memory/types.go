package memory

import "time"

// Kind classifies memory entries.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

func ValidKind(k Kind) bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// Entry is one stored memory. IDs are assigned at creation and never change.
// AccessCount moves only upward, bumped by retrieval hits.
type Entry struct {
	ID               string
	Content          string
	Kind             Kind
	Metadata         map[string]string
	CreatedAtMS      int64
	LastAccessedAtMS int64
	AccessCount      int64
	HasEmbedding     bool
}

// ScoredEntry is a retrieval result with its ranking signals.
type ScoredEntry struct {
	Entry
	Score          float64
	Similarity     float64
	KeywordOverlap float64
}

// RetrieveOptions controls hybrid retrieval.
type RetrieveOptions struct {
	TopK           int
	Kind           Kind // empty means all kinds
	CandidateLimit int
	NowMS          int64
}

// PrunePolicy bounds store growth. Relevance is a function of access
// frequency, recency, and kind weight; entries scoring below MinRelevance
// are removed. Pruning with a fixed NowMS is idempotent.
type PrunePolicy struct {
	MinRelevance    float64
	Kind            Kind // empty means all kinds
	RecencyHalfLife time.Duration
	KindWeights     map[Kind]float64
	NowMS           int64
}

// DefaultKindWeights bias pruning toward keeping procedural and semantic
// knowledge over episodic records.
func DefaultKindWeights() map[Kind]float64 {
	return map[Kind]float64{
		KindEpisodic:   0.8,
		KindSemantic:   1.0,
		KindProcedural: 1.2,
	}
}
