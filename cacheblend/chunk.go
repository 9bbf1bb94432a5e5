package cacheblend

// Role tags the part of the prompt a chunk plays
type Role int

const (
	RolePrefixTemplate Role = iota
	RoleDocument
	RoleQuerySuffix
)

func (r Role) String() string {
	switch r {
	case RolePrefixTemplate:
		return "prefix_template"
	case RoleDocument:
		return "document"
	case RoleQuerySuffix:
		return "query_suffix"
	default:
		return "unknown"
	}
}

// Chunk is an independently cacheable run of token IDs
type Chunk struct {
	Role     Role
	TokenIDs []int
}

// NewChunk copies tokenIDs into a new chunk
func NewChunk(role Role, tokenIDs []int) Chunk {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)
	return Chunk{Role: role, TokenIDs: tokens}
}

// Len returns the number of content tokens
func (c Chunk) Len() int {
	return len(c.TokenIDs)
}

// Framed returns the tokens fed to the standalone pass and how many leading
// rows of its output are boilerplate
func (c Chunk) Framed(f Framing) ([]int, int) {
	lead := len(f.BOS)
	if c.Role != RolePrefixTemplate {
		lead += len(f.ChunkLead)
	}

	tokens := make([]int, 0, lead+len(c.TokenIDs))
	tokens = append(tokens, f.BOS...)
	if c.Role != RolePrefixTemplate {
		tokens = append(tokens, f.ChunkLead...)
	}
	tokens = append(tokens, c.TokenIDs...)

	if c.Role == RolePrefixTemplate {
		// the template keeps its BOS row as position 0 of the prompt
		return tokens, 0
	}
	return tokens, lead
}

// PairPermutations returns every ordered pair of documents, with
// replacement, each wrapped by the optional prefix and query chunks
func PairPermutations(prefix *Chunk, docs []Chunk, query Chunk) [][]Chunk {
	out := make([][]Chunk, 0, len(docs)*len(docs))
	for _, a := range docs {
		for _, b := range docs {
			req := make([]Chunk, 0, 4)
			if prefix != nil {
				req = append(req, *prefix)
			}
			req = append(req, a, b, query)
			out = append(out, req)
		}
	}
	return out
}
