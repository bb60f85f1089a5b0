package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	UsernameSize = 32
	MaxPayload   = 256
	FileNameSize = 256
	ChunkSize    = 4096
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrInvalidLength = errors.New("payload length out of range")
)

// Command selects the handler a packet is dispatched to.
type Command uint32

const (
	CmdMessage Command = iota
	CmdFile
	CmdCreate
	CmdJoin
	CmdLeave
	CmdListChannels
	CmdListMembers
	CmdInfo
	CmdInvite
)

var commandNames = [...]string{
	CmdMessage:      "message",
	CmdFile:         "file",
	CmdCreate:       "create",
	CmdJoin:         "join",
	CmdLeave:        "leave",
	CmdListChannels: "list-channels",
	CmdListMembers:  "list-members",
	CmdInfo:         "info",
	CmdInvite:       "invite",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", uint32(c))
}

// FileChunk is the file-transfer sub-record of a packet.
type FileChunk struct {
	Name  string
	Size  uint64
	Index uint32
	Total uint32
	Data  []byte
}

// Packet is the decoded form of one wire frame. File is nil unless the
// frame's file flag was set.
type Packet struct {
	SenderID  uint64
	ChannelID uint64
	MsgID     uint64
	Timestamp uint32
	Command   Command
	Username  string
	Payload   []int64
	File      *FileChunk
}

// frame mirrors the fixed wire layout. Field order is the wire order.
type frame struct {
	SenderID    uint64
	ChannelID   uint64
	MsgID       uint64
	Timestamp   uint32
	Command     uint32
	Username    [UsernameSize]byte
	Len         uint32
	Payload     [MaxPayload]int64
	IsFile      uint8
	FileName    [FileNameSize]byte
	FileSize    uint64
	ChunkIndex  uint32
	TotalChunks uint32
	ChunkLen    uint32
	ChunkData   [ChunkSize]byte
}

// PacketSize is the number of bytes every packet occupies on the wire.
var PacketSize = binary.Size(frame{})

var order = binary.LittleEndian

// Encode serializes the packet into exactly PacketSize bytes.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) == 0 || len(p.Payload) > MaxPayload {
		return nil, ErrInvalidLength
	}

	var f frame
	f.SenderID = p.SenderID
	f.ChannelID = p.ChannelID
	f.MsgID = p.MsgID
	f.Timestamp = p.Timestamp
	f.Command = uint32(p.Command)
	putString(f.Username[:], p.Username)
	f.Len = uint32(len(p.Payload))
	copy(f.Payload[:], p.Payload)

	if p.File != nil {
		if len(p.File.Data) > ChunkSize {
			return nil, fmt.Errorf("%w: chunk of %d bytes", ErrInvalidPacket, len(p.File.Data))
		}
		f.IsFile = 1
		putString(f.FileName[:], p.File.Name)
		f.FileSize = p.File.Size
		f.ChunkIndex = p.File.Index
		f.TotalChunks = p.File.Total
		f.ChunkLen = uint32(len(p.File.Data))
		copy(f.ChunkData[:], p.File.Data)
	}

	var buf bytes.Buffer
	buf.Grow(PacketSize)
	if err := binary.Write(&buf, order, &f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses one PacketSize-byte frame.
func Decode(b []byte) (*Packet, error) {
	if len(b) != PacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(b))
	}

	var f frame
	if err := binary.Read(bytes.NewReader(b), order, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	if f.Len == 0 || f.Len > MaxPayload {
		return nil, fmt.Errorf("%w: %w (%d)", ErrInvalidPacket, ErrInvalidLength, f.Len)
	}

	p := &Packet{
		SenderID:  f.SenderID,
		ChannelID: f.ChannelID,
		MsgID:     f.MsgID,
		Timestamp: f.Timestamp,
		Command:   Command(f.Command),
		Username:  getString(f.Username[:]),
		Payload:   append([]int64(nil), f.Payload[:f.Len]...),
	}

	if f.IsFile == 1 {
		if f.ChunkLen > ChunkSize {
			return nil, fmt.Errorf("%w: chunk length %d", ErrInvalidPacket, f.ChunkLen)
		}
		p.File = &FileChunk{
			Name:  getString(f.FileName[:]),
			Size:  f.FileSize,
			Index: f.ChunkIndex,
			Total: f.TotalChunks,
			Data:  append([]byte(nil), f.ChunkData[:f.ChunkLen]...),
		}
	}

	return p, nil
}

// ReadPacket blocks until one whole frame has been read. I/O errors are
// returned as-is; a frame that was read but failed validation is reported
// with ErrInvalidPacket so the caller can drop it and keep reading.
func ReadPacket(r io.Reader) (*Packet, error) {
	buf := make([]byte, PacketSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return Decode(buf)
}

// WritePacket encodes p and writes it in a single call.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// putString copies s into a NUL-terminated fixed field, truncating if needed.
func putString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
