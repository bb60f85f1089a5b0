package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/models"
	"github.com/shmooki/royal-mail-ship/protocol"
	"github.com/shmooki/royal-mail-ship/session"
)

var (
	ErrInvalidChunk = errors.New("invalid file chunk")
	ErrMissingChunk = errors.New("missing file chunk")
)

// UploadRecorder receives completed uploads for auditing.
type UploadRecorder interface {
	RecordUpload(u models.Upload) error
}

// Reassembler stores incoming chunks as part files under
// <root>/channel_<id>/ and joins them when the last index arrives.
type Reassembler struct {
	root        string
	channels    *channel.Registry
	broadcaster *Broadcaster
	recorder    UploadRecorder
}

func NewReassembler(root string, channels *channel.Registry, broadcaster *Broadcaster, recorder UploadRecorder) *Reassembler {
	if root == "" {
		root = "files"
	}
	return &Reassembler{
		root:        root,
		channels:    channels,
		broadcaster: broadcaster,
		recorder:    recorder,
	}
}

// HandleChunk persists one chunk. It returns a non-nil upload only when the
// chunk completed a file.
func (r *Reassembler) HandleChunk(senderID uint64, username string, channelID uint64, chunk *protocol.FileChunk, exclude session.Peer) (*models.Upload, error) {
	if !r.channels.IsMember(channelID, senderID) {
		if _, exists := r.channels.Participants(channelID); !exists {
			return nil, channel.ErrNotFound
		}
		return nil, channel.ErrNotMember
	}

	name, err := cleanFileName(chunk.Name)
	if err != nil {
		return nil, err
	}
	if chunk.Total == 0 || chunk.Index >= chunk.Total {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, chunk.Index, chunk.Total)
	}

	dir := r.channelDir(channelID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(partPath(dir, name, chunk.Index), chunk.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write chunk: %w", err)
	}

	// completion is keyed on the last index; missing parts surface in combine
	if chunk.Index != chunk.Total-1 {
		return nil, nil
	}

	size, err := combine(dir, name, chunk.Total)
	if err != nil {
		return nil, err
	}
	if size != int64(chunk.Size) {
		log.Printf("File %q in channel %d: declared %d bytes, assembled %d", name, channelID, chunk.Size, size)
	}

	if err := r.channels.AddMessage(channelID, senderID, name, channel.MessageFile); err != nil {
		log.Printf("Failed to record file message %q in channel %d: %v", name, channelID, err)
	}

	upload := &models.Upload{
		ChannelID:   channelID,
		SenderID:    senderID,
		FileName:    name,
		Size:        size,
		Path:        filepath.Join(dir, name),
		CompletedAt: time.Now().UTC(),
	}
	if r.recorder != nil {
		if err := r.recorder.RecordUpload(*upload); err != nil {
			log.Printf("Failed to record upload %q: %v", name, err)
		}
	}

	log.Printf("%s uploaded %s (%d bytes) to channel %d", username, name, size, channelID)
	r.broadcaster.Broadcast(fmt.Sprintf("%s shared file %s (%d bytes)", username, name, size), senderID, channelID, exclude)
	r.broadcaster.Broadcast(protocol.FileMetadata{Name: name, Size: uint64(size), ChannelID: channelID}.String(), senderID, channelID, exclude)

	return upload, nil
}

func (r *Reassembler) channelDir(channelID uint64) string {
	return filepath.Join(r.root, "channel_"+strconv.FormatUint(channelID, 10))
}

func partPath(dir, name string, index uint32) string {
	return filepath.Join(dir, name+".part"+strconv.FormatUint(uint64(index), 10))
}

// cleanFileName strips any directory component a client sent.
func cleanFileName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("%w: bad file name %q", ErrInvalidChunk, name)
	}
	return base, nil
}

// combine concatenates parts 0..total-1 into dir/name and removes them.
// A missing part aborts without touching the others.
func combine(dir, name string, total uint32) (int64, error) {
	for i := uint32(0); i < total; i++ {
		if _, err := os.Stat(partPath(dir, name, i)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return 0, fmt.Errorf("%w: %s part %d of %d", ErrMissingChunk, name, i, total)
			}
			return 0, err
		}
	}

	final := filepath.Join(dir, name)
	out, err := os.Create(final)
	if err != nil {
		return 0, err
	}

	var size int64
	for i := uint32(0); i < total; i++ {
		in, err := os.Open(partPath(dir, name, i))
		if err != nil {
			out.Close()
			return 0, err
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return 0, err
		}
		size += n
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	for i := uint32(0); i < total; i++ {
		if err := os.Remove(partPath(dir, name, i)); err != nil {
			log.Printf("Failed to remove part %d of %q: %v", i, name, err)
		}
	}
	return size, nil
}
