package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	idPrefix       = "ID:"
	namePrefix     = "NAME:"
	metadataPrefix = "FILE_METADATA:"
)

var ErrMalformedRoute = errors.New("malformed channel prefix")

// Route is the channel selector carried in-band at the front of a message.
type Route struct {
	ChannelID   uint64
	ChannelName string
	Text        string
}

// ByID reports whether the route names a channel by identifier.
func (r Route) ByID() bool { return r.ChannelID != 0 }

// ByName reports whether the route names a channel by display name.
func (r Route) ByName() bool { return r.ChannelName != "" }

// Empty reports whether the message carried no routing prefix.
func (r Route) Empty() bool { return !r.ByID() && !r.ByName() }

// ParseRoute splits "ID:<id>:<text>" or "NAME:<name>:<text>". A plaintext
// without either prefix yields an empty route whose Text is the input.
func ParseRoute(plaintext string) (Route, error) {
	switch {
	case strings.HasPrefix(plaintext, idPrefix):
		target, text, ok := strings.Cut(plaintext[len(idPrefix):], ":")
		if !ok {
			return Route{}, ErrMalformedRoute
		}
		id, err := strconv.ParseUint(target, 10, 64)
		if err != nil || id == 0 {
			return Route{}, fmt.Errorf("%w: bad id %q", ErrMalformedRoute, target)
		}
		return Route{ChannelID: id, Text: text}, nil

	case strings.HasPrefix(plaintext, namePrefix):
		target, text, ok := strings.Cut(plaintext[len(namePrefix):], ":")
		if !ok || target == "" {
			return Route{}, ErrMalformedRoute
		}
		return Route{ChannelName: target, Text: text}, nil
	}

	return Route{Text: plaintext}, nil
}

// RouteMessage builds the prefixed payload a client sends for
// "/msg <idOrName> <text>".
func RouteMessage(target, text string) string {
	if id, err := strconv.ParseUint(target, 10, 64); err == nil && id != 0 {
		return idPrefix + strconv.FormatUint(id, 10) + ":" + text
	}
	return namePrefix + target + ":" + text
}

// FileMetadata is the structured completion event for an uploaded file.
type FileMetadata struct {
	Name      string
	Size      uint64
	ChannelID uint64
}

func (m FileMetadata) String() string {
	return metadataPrefix + m.Name + ":" + strconv.FormatUint(m.Size, 10) + ":" + strconv.FormatUint(m.ChannelID, 10)
}

// ParseFileMetadata reads "FILE_METADATA:name:size:channelId". Size and
// channel are taken from the end so names containing ':' survive.
func ParseFileMetadata(s string) (FileMetadata, error) {
	if !strings.HasPrefix(s, metadataPrefix) {
		return FileMetadata{}, ErrInvalidPacket
	}
	rest := s[len(metadataPrefix):]

	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return FileMetadata{}, ErrInvalidPacket
	}
	channelID, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("%w: channel %q", ErrInvalidPacket, rest[i+1:])
	}
	rest = rest[:i]

	j := strings.LastIndexByte(rest, ':')
	if j < 0 {
		return FileMetadata{}, ErrInvalidPacket
	}
	size, err := strconv.ParseUint(rest[j+1:], 10, 64)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("%w: size %q", ErrInvalidPacket, rest[j+1:])
	}

	return FileMetadata{Name: rest[:j], Size: size, ChannelID: channelID}, nil
}
