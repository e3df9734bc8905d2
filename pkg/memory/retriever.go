package memory

import (
	"context"
	"sort"
	"strings"
)

// Retriever ranks stored entries against a query with hybrid scoring:
// embedding similarity dominates, keyword overlap breaks ties, then the
// most recently accessed entry wins.
type Retriever struct {
	store *SQLiteStore
}

func NewRetriever(store *SQLiteStore) *Retriever {
	return &Retriever{store: store}
}

const (
	similarityWeight = 0.75
	keywordWeight    = 0.25
)

// Retrieve returns up to TopK scored entries ordered by descending combined
// score. Returned entries' access counters are bumped in a follow-up write
// keyed by id, and the returned copies reflect the bump. An entry deleted
// between the read and the bump just updates zero rows.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]ScoredEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 80
	}
	if opts.NowMS == 0 {
		opts.NowMS = nowMS()
	}

	candidates, err := r.store.listCandidates(ctx, opts.Kind, opts.CandidateLimit)
	if err != nil {
		return nil, err
	}
	candidates = r.mergeLexical(ctx, query, opts, candidates)
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	vectors, err := r.store.getEmbeddings(ctx, ids)
	if err != nil {
		return nil, err
	}

	queryVec, embErr := embedText(query)
	if embErr != nil {
		// Degrade to keyword-only ranking for this call.
		queryVec = nil
	}

	scored := make([]ScoredEntry, 0, len(candidates))
	lowerQuery := strings.ToLower(query)
	for _, c := range candidates {
		se := ScoredEntry{Entry: c}
		se.KeywordOverlap = keywordOverlap(lowerQuery, c.Content)
		if vec, ok := vectors[c.ID]; ok && len(queryVec) > 0 && len(vec) > 0 {
			se.Similarity = (cosineSimilarity(queryVec, vec) + 1) / 2
			se.Score = similarityWeight*se.Similarity + keywordWeight*se.KeywordOverlap
		} else {
			se.Score = se.KeywordOverlap
		}
		if se.Score > 0 {
			scored = append(scored, se)
		}
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].KeywordOverlap != scored[j].KeywordOverlap {
			return scored[i].KeywordOverlap > scored[j].KeywordOverlap
		}
		return scored[i].Entry.LastAccessedAtMS > scored[j].Entry.LastAccessedAtMS
	})

	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}

	hitIDs := make([]string, 0, len(scored))
	for _, se := range scored {
		hitIDs = append(hitIDs, se.Entry.ID)
	}
	if err := r.store.touchEntries(ctx, hitIDs, opts.NowMS); err != nil {
		return nil, err
	}
	for i := range scored {
		scored[i].Entry.AccessCount++
		scored[i].Entry.LastAccessedAtMS = opts.NowMS
	}
	return scored, nil
}

// mergeLexical widens the candidate set with FTS matches the recency-ordered
// scan may have missed.
func (r *Retriever) mergeLexical(ctx context.Context, query string, opts RetrieveOptions, candidates []Entry) []Entry {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return candidates
	}
	found, err := r.store.searchFTS(ctx, opts.Kind, ftsQuery, opts.CandidateLimit)
	if err != nil {
		// Lexical widening is best-effort; the recency candidates stand.
		return candidates
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[c.ID] = struct{}{}
	}
	for _, f := range found {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		candidates = append(candidates, f)
	}
	return candidates
}

func keywordOverlap(lowerQuery, content string) float64 {
	overlap := textTokenJaccard(lowerQuery, content)
	if strings.Contains(strings.ToLower(content), lowerQuery) {
		overlap += 0.2
	}
	if overlap > 1 {
		overlap = 1
	}
	return overlap
}

func buildFTSQuery(query string) string {
	tokens := ftsTokens(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func ftsTokens(query string) []string {
	raw := tokenize(query)
	if len(raw) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw)*2)
	for _, tok := range raw {
		for _, part := range strings.FieldsFunc(tok, func(r rune) bool {
			return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
		}) {
			part = strings.TrimSpace(strings.ToLower(part))
			if len(part) < 2 {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
