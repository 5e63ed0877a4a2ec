package domain

// ChunkType classifies a fetched resource. Manifests decode as text,
// segments and keys as binary.
type ChunkType string

const (
	ChunkManifest ChunkType = "manifest"
	ChunkSegment  ChunkType = "segment"
	ChunkKey      ChunkType = "key"
	ChunkUnknown  ChunkType = ""
)

// FetchSource records where a chunk ultimately came from.
type FetchSource string

const (
	SourceCache FetchSource = "cache"
	SourcePeer  FetchSource = "peer"
	SourceCDN   FetchSource = "cdn"
)

// FetchOptions carries per-request hints from the embedding player.
type FetchOptions struct {
	// Type is the caller-declared classification; URL heuristics refine it.
	Type ChunkType
}
