package network

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"udpxfer/crypto"
)

// DefaultChunkSize is the payload size of every chunk except possibly the last.
const DefaultChunkSize = 1024

// Chunker splits one open file into fixed-size, digest-tagged chunks.
//
// Chunks are read with ReadAt, so any index can be served without replaying
// earlier chunks and concurrent readers of the same file do not interfere.
type Chunker struct {
	file      *os.File
	fileSize  int64
	chunkSize int
	total     int
}

// NewChunker opens path for chunked reading.
func NewChunker(path string, chunkSize int) (*Chunker, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	chunker, err := newChunker(file, chunkSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return chunker, nil
}

func newChunker(file *os.File, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("path is a directory")
	}

	return &Chunker{
		file:      file,
		fileSize:  info.Size(),
		chunkSize: chunkSize,
		total:     ChunkCount(info.Size(), chunkSize),
	}, nil
}

// Close releases the underlying file.
func (c *Chunker) Close() error {
	return c.file.Close()
}

// TotalChunks returns ceil(file size / chunk size).
func (c *Chunker) TotalChunks() int {
	return c.total
}

// FileSize returns the size of the file in bytes.
func (c *Chunker) FileSize() int64 {
	return c.fileSize
}

// ChunkSize returns the configured chunk size in bytes.
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// LastChunkSize returns the payload length of the final chunk.
func (c *Chunker) LastChunkSize() int {
	if c.total == 0 {
		return 0
	}
	return int(c.fileSize - int64(c.total-1)*int64(c.chunkSize))
}

// ReadChunk reads the chunk at index and computes its digest.
func (c *Chunker) ReadChunk(index int) (Chunk, error) {
	if index < 0 || index >= c.total {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, c.total)
	}

	offset := int64(index) * int64(c.chunkSize)
	buf := make([]byte, c.chunkSize)
	n, err := c.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}
	buf = buf[:n]

	return Chunk{
		Sequence: index,
		Checksum: crypto.Digest(buf),
		Payload:  buf,
	}, nil
}

// Chunks yields chunks in ascending order starting at from.
//
// The sequence is lazy: each chunk is read only when the consumer asks for it.
// A read error is yielded once and ends the sequence.
func (c *Chunker) Chunks(from int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for index := max(from, 0); index < c.total; index++ {
			chunk, err := c.ReadChunk(index)
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// ChunkCount returns the number of chunks needed for size bytes.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
