package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmooki/royal-mail-ship/cipher"
)

func TestPacketSizeIsFixed(t *testing.T) {
	small, err := Encode(&Packet{Command: CmdMessage, Payload: []int64{1}})
	require.NoError(t, err)

	big, err := Encode(&Packet{
		Command: CmdFile,
		Payload: make([]int64, MaxPayload),
		File:    &FileChunk{Name: "a.bin", Data: make([]byte, ChunkSize)},
	})
	require.NoError(t, err)

	assert.Len(t, small, PacketSize)
	assert.Len(t, big, PacketSize)
}

func TestEncodeDecodeFilePacket(t *testing.T) {
	in := &Packet{
		SenderID:  7,
		ChannelID: 12345678,
		MsgID:     99,
		Timestamp: 1700000000,
		Command:   CmdFile,
		Username:  "alice",
		Payload:   []int64{10, 20, 30},
		File: &FileChunk{
			Name:  "report.pdf",
			Size:  5000,
			Index: 1,
			Total: 2,
			Data:  []byte("tail bytes"),
		},
	}

	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeWithoutFileFlagLeavesFileNil(t *testing.T) {
	b, err := Encode(&Packet{Command: CmdJoin, Payload: []int64{5}})
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Nil(t, out.File)
	assert.Equal(t, CmdJoin, out.Command)
}

func TestEncodeRejectsPayloadLength(t *testing.T) {
	_, err := Encode(&Packet{})
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = Encode(&Packet{Payload: make([]int64, MaxPayload+1)})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecodeRejectsZeroLength(t *testing.T) {
	b, err := Encode(&Packet{Payload: []int64{1}})
	require.NoError(t, err)

	// Len sits after three u64, two u32 and the username field.
	off := 8*3 + 4*2 + UsernameSize
	b[off], b[off+1], b[off+2], b[off+3] = 0, 0, 0, 0

	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrInvalidPacket)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestUsernameTruncated(t *testing.T) {
	b, err := Encode(&Packet{Username: strings.Repeat("x", 64), Payload: []int64{1}})
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", UsernameSize-1), out.Username)
}

func TestReadPacketStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, &Packet{MsgID: 1, Payload: []int64{1}}))
	require.NoError(t, WritePacket(&buf, &Packet{MsgID: 2, Payload: []int64{2}}))

	first, err := ReadPacket(&buf)
	require.NoError(t, err)
	second, err := ReadPacket(&buf)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.MsgID)
	assert.Equal(t, uint64(2), second.MsgID)

	_, err = ReadPacket(&buf)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadPacketShortFrame(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader(make([]byte, PacketSize/2)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "join", CmdJoin.String())
	assert.Equal(t, "command(42)", Command(42).String())
}

func TestHandshakeKeyExchange(t *testing.T) {
	var buf bytes.Buffer
	key := cipher.PublicKey{N: 33389, E: 5}
	require.NoError(t, WritePublicKey(&buf, key))
	assert.Equal(t, 16, buf.Len())

	got, err := ReadPublicKey(&buf)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}
