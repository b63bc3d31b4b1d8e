package models

const (
	// ChunkIDFormat composes document_id, 1-based page number and intra-page
	// chunk index into a store-wide unique chunk id.
	ChunkIDFormat = "%s_p%d_c%d"

	// DocumentIDLength is the number of hex characters kept from the SHA-256
	// digest of the file bytes.
	DocumentIDLength = 16
)

var (
	RerankPromptTemplate = `You are a search result reranking assistant. Given a query and numbered search results, return the indices of the most relevant results ordered from most to least relevant.

Rules:
- Return ONLY a JSON array of index numbers, e.g. [3, 1, 7, 2]
- Return at most %d indices
- Rank by actual relevance to the query, not just keyword overlap
- Exclude results that are not relevant at all

Query: %s

Results:
%s`

	SynthesisPromptTemplate = `You are a research assistant. Based on the search results below, provide a clear, concise answer to the user's query. Cite your sources using [Source N] notation.

Rules:
- Only use information from the provided sources
- Cite specific sources for each claim using [Source N]
- If the sources don't contain enough info, say so
- Be concise but thorough
- Use plain language

Query: %s

Sources:
%s`
)
