package protocol

import "fmt"

// SplitFile cuts data into ChunkSize slices tagged with their index and the
// total count, the way a client prepares an upload. An empty file still
// produces one (empty) chunk so the receiver sees a final index.
func SplitFile(name string, data []byte) []FileChunk {
	total := (len(data) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}

	chunks := make([]FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, FileChunk{
			Name:  name,
			Size:  uint64(len(data)),
			Index: uint32(i),
			Total: uint32(total),
			Data:  data[start:end],
		})
	}
	return chunks
}

// Describe is the human-readable metadata a client encrypts into the
// payload of each file packet.
func (c FileChunk) Describe() string {
	return fmt.Sprintf("FILE:%s:%d:%d:%d", c.Name, c.Size, c.Index, c.Total)
}
