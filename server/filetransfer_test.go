package server

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/cipher"
	"github.com/shmooki/royal-mail-ship/models"
	"github.com/shmooki/royal-mail-ship/protocol"
	"github.com/shmooki/royal-mail-ship/session"
)

type uploadLog struct{ uploads []models.Upload }

func (l *uploadLog) RecordUpload(u models.Upload) error {
	l.uploads = append(l.uploads, u)
	return nil
}

type reassemblyEnv struct {
	r        *Reassembler
	channels *channel.Registry
	root     string
	owner    member
	other    member
	id       uint64
	uploads  *uploadLog
}

func setupReassembler(t *testing.T) *reassemblyEnv {
	t.Helper()
	channels := channel.NewRegistry(channel.Options{})
	sessions := session.NewRegistry(session.Options{})
	uploads := &uploadLog{}
	root := t.TempDir()

	owner := addMember(t, sessions, "alice", &fakePeer{id: "a"})
	other := addMember(t, sessions, "bob", &fakePeer{id: "b"})
	id, err := channels.Create("files", owner.user.ID)
	require.NoError(t, err)
	require.NoError(t, channels.Join(id, other.user.ID))

	r := NewReassembler(root, channels, NewBroadcaster(channels, sessions, cipher.Toy{}), uploads)
	return &reassemblyEnv{r: r, channels: channels, root: root, owner: owner, other: other, id: id, uploads: uploads}
}

func (e *reassemblyEnv) dir() string {
	return filepath.Join(e.root, "channel_"+strconv.FormatUint(e.id, 10))
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReassembly(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks int
	}{
		{"single chunk", 100, 1},
		{"exact multiple", 2 * protocol.ChunkSize, 2},
		{"with remainder", 2*protocol.ChunkSize + 17, 3},
		{"empty file", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupReassembler(t)
			data := testData(tt.size)
			chunks := protocol.SplitFile("data.bin", data)
			require.Len(t, chunks, tt.chunks)

			var upload *models.Upload
			for i := range chunks {
				got, err := env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &chunks[i], env.owner.peer)
				require.NoError(t, err)
				if i < len(chunks)-1 {
					assert.Nil(t, got)
				}
				upload = got
			}
			require.NotNil(t, upload)
			assert.Equal(t, int64(tt.size), upload.Size)

			stored, err := os.ReadFile(filepath.Join(env.dir(), "data.bin"))
			require.NoError(t, err)
			assert.Equal(t, data, stored)

			parts, err := filepath.Glob(filepath.Join(env.dir(), "*.part*"))
			require.NoError(t, err)
			assert.Empty(t, parts)

			c, _ := env.channels.FindByID(env.id)
			history := c.History()
			require.Len(t, history, 1)
			assert.Equal(t, channel.MessageFile, history[0].Type)
			assert.Equal(t, "data.bin", history[0].Content)

			require.Len(t, env.uploads.uploads, 1)
			assert.Len(t, env.other.peer.received(), 2, "notice and metadata")
			assert.Empty(t, env.owner.peer.received())
		})
	}
}

func TestReassemblyMissingChunk(t *testing.T) {
	env := setupReassembler(t)
	chunks := protocol.SplitFile("late.bin", testData(protocol.ChunkSize+1))
	require.Len(t, chunks, 2)

	_, err := env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &chunks[1], nil)
	assert.ErrorIs(t, err, ErrMissingChunk)

	upload, err := env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &chunks[0], nil)
	require.NoError(t, err)
	assert.Nil(t, upload)

	// resending the last chunk completes the file
	upload, err = env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &chunks[1], nil)
	require.NoError(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, int64(protocol.ChunkSize+1), upload.Size)
}

func TestReassemblyRejects(t *testing.T) {
	env := setupReassembler(t)
	chunk := protocol.SplitFile("a.txt", []byte("hi"))[0]

	_, err := env.r.HandleChunk(99, "mallory", env.id, &chunk, nil)
	assert.ErrorIs(t, err, channel.ErrNotMember)

	_, err = env.r.HandleChunk(env.owner.user.ID, "alice", 11111111, &chunk, nil)
	assert.ErrorIs(t, err, channel.ErrNotFound)

	bad := chunk
	bad.Index = 3
	_, err = env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &bad, nil)
	assert.ErrorIs(t, err, ErrInvalidChunk)

	bad = chunk
	bad.Name = ".."
	_, err = env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &bad, nil)
	assert.ErrorIs(t, err, ErrInvalidChunk)
}

func TestReassemblyStripsDirectories(t *testing.T) {
	env := setupReassembler(t)
	chunk := protocol.SplitFile("../../escape.txt", []byte("contained"))[0]

	upload, err := env.r.HandleChunk(env.owner.user.ID, "alice", env.id, &chunk, nil)
	require.NoError(t, err)
	require.NotNil(t, upload)
	assert.Equal(t, "escape.txt", upload.FileName)

	stored, err := os.ReadFile(filepath.Join(env.dir(), "escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, "contained", string(stored))
}
