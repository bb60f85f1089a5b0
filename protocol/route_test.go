package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Route
		wantErr bool
	}{
		{"by id", "ID:12345678:hello", Route{ChannelID: 12345678, Text: "hello"}, false},
		{"by name", "NAME:general:hi there", Route{ChannelName: "general", Text: "hi there"}, false},
		{"text keeps colons", "NAME:general:a:b:c", Route{ChannelName: "general", Text: "a:b:c"}, false},
		{"no prefix", "plain text", Route{Text: "plain text"}, false},
		{"bad id", "ID:abc:hello", Route{}, true},
		{"zero id", "ID:0:hello", Route{}, true},
		{"missing separator", "NAME:general", Route{}, true},
		{"empty name", "NAME::hello", Route{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoute(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRoute)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouteMessage(t *testing.T) {
	assert.Equal(t, "ID:42:hey", RouteMessage("42", "hey"))
	assert.Equal(t, "NAME:random:hey", RouteMessage("random", "hey"))

	r, err := ParseRoute(RouteMessage("random", "hey"))
	require.NoError(t, err)
	assert.True(t, r.ByName())
	assert.False(t, r.Empty())
}

func TestFileMetadata(t *testing.T) {
	m := FileMetadata{Name: "notes:v2.txt", Size: 9000, ChannelID: 12345678}
	assert.Equal(t, "FILE_METADATA:notes:v2.txt:9000:12345678", m.String())

	got, err := ParseFileMetadata(m.String())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = ParseFileMetadata("FILE_METADATA:x:notanumber:1")
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = ParseFileMetadata("something else")
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestSplitFile(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks int
		last   int
	}{
		{"single chunk", 100, 1, 100},
		{"exact two", 2 * ChunkSize, 2, ChunkSize},
		{"remainder", 2*ChunkSize + 17, 3, 17},
		{"empty", 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xAB}, tt.size)
			chunks := SplitFile("f.bin", data)

			require.Len(t, chunks, tt.chunks)
			for i, c := range chunks {
				assert.Equal(t, uint32(i), c.Index)
				assert.Equal(t, uint32(tt.chunks), c.Total)
				assert.Equal(t, uint64(tt.size), c.Size)
			}
			assert.Len(t, chunks[len(chunks)-1].Data, tt.last)
		})
	}
}
