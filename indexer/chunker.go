package indexer

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yoanbernabeu/grepaid/manifest"
)

const (
	// CharsPerToken approximates how many bytes make up one model token.
	CharsPerToken       = 4
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 50
)

// ChunkInfo is one window of a file's content.
type ChunkInfo struct {
	ID        string
	FilePath  string
	StartLine int
	EndLine   int
	Content   string
	Hash      string
}

// Chunker splits file content into overlapping windows sized in tokens.
type Chunker struct {
	chunkSize int
	overlap   int
}

func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

func (c *Chunker) ChunkSize() int { return c.chunkSize }

func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits content into windows of at most ChunkSize tokens. Windows
// end on a line break when one falls in the second half of the window, so
// chunks of ordinary source follow line boundaries; minified or single-line
// files are cut mid-line. Chunk ids are "<path>_<index>".
func (c *Chunker) Chunk(filePath, content string) []ChunkInfo {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	maxChars := c.chunkSize * CharsPerToken
	overlapChars := c.overlap * CharsPerToken
	lineStarts := buildLineStarts(content)

	var chunks []ChunkInfo
	start := 0
	for start < len(content) {
		end := start + maxChars
		if end >= len(content) {
			end = len(content)
		} else {
			if nl := strings.LastIndexByte(content[start:end], '\n'); nl > maxChars/2 {
				end = start + nl + 1
			}
			end = alignRuneBoundary(content, end)
		}

		text := content[start:end]
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, ChunkInfo{
				ID:        fmt.Sprintf("%s_%d", filePath, len(chunks)),
				FilePath:  filePath,
				StartLine: getLineNumber(lineStarts, start),
				EndLine:   getLineNumber(lineStarts, max(start, end-1)),
				Content:   text,
				Hash:      manifest.HashContent([]byte(text)),
			})
		}

		if end >= len(content) {
			break
		}
		next := alignRuneBoundary(content, end-overlapChars)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// buildLineStarts returns the byte offset at which each line begins.
func buildLineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// getLineNumber returns the 1-based line containing byte offset pos.
func getLineNumber(lineStarts []int, pos int) int {
	return sort.Search(len(lineStarts), func(i int) bool { return lineStarts[i] > pos })
}

// alignRuneBoundary moves pos forward to the start of the next rune so a
// cut never splits a multi-byte sequence.
func alignRuneBoundary(content string, pos int) int {
	if pos <= 0 {
		return 0
	}
	for pos < len(content) && !utf8.RuneStart(content[pos]) {
		pos++
	}
	return pos
}
