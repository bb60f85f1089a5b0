package server

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/protocol"
	"github.com/shmooki/royal-mail-ship/session"
)

type handlerFunc func(sess *Session, pkt *protocol.Packet, text string)

func (s *Server) routes() map[protocol.Command]handlerFunc {
	return map[protocol.Command]handlerFunc{
		protocol.CmdMessage:      s.handleMessage,
		protocol.CmdFile:         s.handleFile,
		protocol.CmdCreate:       s.handleCreate,
		protocol.CmdJoin:         s.handleJoin,
		protocol.CmdLeave:        s.handleLeave,
		protocol.CmdListChannels: s.handleListChannels,
		protocol.CmdListMembers:  s.handleListMembers,
		protocol.CmdInfo:         s.handleInfo,
		protocol.CmdInvite:       s.handleInvite,
	}
}

// resolveChannel finds a channel by the packet's channel id, or failing
// that by the text argument read as an id and then as a name.
func (s *Server) resolveChannel(channelID uint64, arg string) (channel.Channel, bool) {
	if channelID != 0 {
		return s.channels.FindByID(channelID)
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return channel.Channel{}, false
	}
	if id, err := strconv.ParseUint(arg, 10, 64); err == nil {
		if c, ok := s.channels.FindByID(id); ok {
			return c, true
		}
	}
	return s.channels.FindByName(arg)
}

func channelRef(channelID uint64, arg string) string {
	if channelID != 0 {
		return strconv.FormatUint(channelID, 10)
	}
	return strings.TrimSpace(arg)
}

func (s *Server) handleMessage(sess *Session, pkt *protocol.Packet, text string) {
	route, err := protocol.ParseRoute(text)
	if err != nil {
		s.sendError(sess, 0, "Usage: /msg <channel_id|name> <message>")
		return
	}

	channelID := route.ChannelID
	switch {
	case route.ByName():
		c, ok := s.channels.FindByName(route.ChannelName)
		if !ok {
			s.sendError(sess, 0, "Channel not found: "+route.ChannelName)
			return
		}
		channelID = c.ID
	case route.ByID():
	case pkt.ChannelID != 0:
		channelID = pkt.ChannelID
	default:
		s.sendError(sess, 0, "Usage: /msg <channel_id|name> <message>")
		return
	}

	if route.Text == "" {
		s.sendError(sess, channelID, "Message text required")
		return
	}

	err = s.channels.AddMessage(channelID, sess.UserID, route.Text, channel.MessageText)
	switch {
	case errors.Is(err, channel.ErrNotFound):
		s.sendError(sess, 0, fmt.Sprintf("Channel not found: %d", channelID))
		return
	case errors.Is(err, channel.ErrNotMember):
		s.sendError(sess, channelID, fmt.Sprintf("You are not a member of channel %d", channelID))
		return
	case err != nil:
		log.Printf("Failed to store message from %s: %v", sess.Username, err)
		s.sendError(sess, channelID, "Internal error")
		return
	}

	s.broadcaster.Broadcast(route.Text, sess.UserID, channelID, sess.peer)
}

func (s *Server) handleCreate(sess *Session, pkt *protocol.Packet, text string) {
	name := strings.TrimSpace(text)
	if name == "" {
		s.sendError(sess, 0, "Usage: /create <name>")
		return
	}

	id, err := s.channels.CreateUnique(name, sess.UserID)
	switch {
	case errors.Is(err, channel.ErrNameTaken):
		c, _ := s.channels.FindByName(name)
		s.sendError(sess, c.ID, fmt.Sprintf("Channel '%s' already exists (ID: %d)", name, c.ID))
		return
	case errors.Is(err, channel.ErrInvalidName):
		s.sendError(sess, 0, fmt.Sprintf("Channel name must be 1-%d characters", channel.NameSize-1))
		return
	case errors.Is(err, channel.ErrCapacityExceeded):
		s.sendError(sess, 0, "Channel limit reached")
		return
	case err != nil:
		log.Printf("Failed to create channel %q: %v", name, err)
		s.sendError(sess, 0, "Internal error")
		return
	}

	log.Printf("%s created channel '%s' (ID: %d)", sess.Username, name, id)
	s.sendText(sess, id, fmt.Sprintf("Successfully created channel '%s' (ID: %d)", name, id))
}

func (s *Server) handleJoin(sess *Session, pkt *protocol.Packet, text string) {
	c, ok := s.resolveChannel(pkt.ChannelID, text)
	if !ok {
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	}

	err := s.channels.Join(c.ID, sess.UserID)
	switch {
	case errors.Is(err, channel.ErrAlreadyMember):
		s.sendError(sess, c.ID, fmt.Sprintf("You are already a member of channel '%s' (ID: %d)", c.Name, c.ID))
		return
	case errors.Is(err, channel.ErrChannelFull):
		s.sendError(sess, c.ID, fmt.Sprintf("Channel '%s' is full", c.Name))
		return
	case errors.Is(err, channel.ErrNotFound):
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	case err != nil:
		log.Printf("Failed to join %s to channel %d: %v", sess.Username, c.ID, err)
		s.sendError(sess, c.ID, "Internal error")
		return
	}

	s.sendText(sess, c.ID, fmt.Sprintf("Successfully joined channel '%s' (ID: %d)", c.Name, c.ID))
	s.replayHistory(sess, c.ID)
	s.broadcaster.Broadcast(sess.Username+" joined the channel", 0, c.ID, sess.peer)
}

// replayHistory sends the retained messages of a channel to a new member,
// oldest first, each attributed to its original sender.
func (s *Server) replayHistory(sess *Session, channelID uint64) {
	c, ok := s.channels.FindByID(channelID)
	if !ok {
		return
	}

	for _, m := range c.History() {
		username := serverName
		if sender, ok := s.sessions.FindByUserID(m.SenderID); ok {
			username = sender.Username
		}
		text := m.Content
		if m.Type == channel.MessageFile {
			text = username + " shared file " + m.Content
		}

		words, err := seal(s.cipher, text, sess.PublicKey)
		if err != nil {
			log.Printf("Failed to encrypt history for %s: %v", sess.Username, err)
			return
		}
		pkt := &protocol.Packet{
			SenderID:  m.SenderID,
			ChannelID: channelID,
			MsgID:     m.ID,
			Timestamp: m.Timestamp,
			Command:   protocol.CmdMessage,
			Username:  username,
			Payload:   words,
		}
		if !sess.peer.Enqueue(pkt) {
			log.Printf("Outbound queue full or closed for %s, history cut short", sess.Username)
			return
		}
	}
}

func (s *Server) handleLeave(sess *Session, pkt *protocol.Packet, text string) {
	c, ok := s.resolveChannel(pkt.ChannelID, text)
	if !ok {
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	}

	if err := s.channels.Leave(c.ID, sess.UserID); err != nil {
		if errors.Is(err, channel.ErrNotMember) {
			s.sendError(sess, c.ID, fmt.Sprintf("You are not a member of channel '%s'", c.Name))
			return
		}
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	}

	s.sendText(sess, c.ID, fmt.Sprintf("You left channel '%s' (ID: %d)", c.Name, c.ID))
	s.broadcaster.Broadcast(sess.Username+" left the channel", 0, c.ID, nil)
}

func (s *Server) handleInfo(sess *Session, pkt *protocol.Packet, text string) {
	c, ok := s.resolveChannel(pkt.ChannelID, text)
	if !ok {
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	}

	info := fmt.Sprintf("Channel '%s' (ID: %d): %d participants, %d messages",
		c.Name, c.ID, len(c.Participants), c.MessageCount)
	if s.audit != nil {
		uploads, err := s.audit.GetUploads(c.ID)
		if err != nil {
			log.Printf("Failed to count uploads for channel %d: %v", c.ID, err)
		} else {
			info += fmt.Sprintf(", %d files", len(uploads))
		}
	}
	s.sendText(sess, c.ID, info)
}

func (s *Server) handleListChannels(sess *Session, pkt *protocol.Packet, text string) {
	channels := s.channels.List()
	if len(channels) == 0 {
		s.sendText(sess, 0, "No channels")
		return
	}

	lines := make([]string, 0, len(channels))
	for _, c := range channels {
		marker := ""
		if containsID(c.Participants, sess.UserID) {
			marker = " *"
		}
		lines = append(lines, fmt.Sprintf("%s (ID: %d, %d members)%s", c.Name, c.ID, len(c.Participants), marker))
	}
	s.sendLines(sess, 0, lines)
}

func (s *Server) handleListMembers(sess *Session, pkt *protocol.Packet, text string) {
	c, ok := s.resolveChannel(pkt.ChannelID, text)
	if !ok {
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, text))
		return
	}
	if !containsID(c.Participants, sess.UserID) {
		s.sendError(sess, c.ID, fmt.Sprintf("You are not a member of channel '%s'", c.Name))
		return
	}

	users := s.sessions.Lookup(c.Participants)
	lines := make([]string, 0, len(users))
	for _, u := range users {
		status := "offline"
		if u.Connected() {
			status = "online"
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", u.Username, status))
	}
	s.sendLines(sess, c.ID, lines)
}

// handleInvite adds another registered user to a channel the inviter
// belongs to. The text is "<channel> <username>".
func (s *Server) handleInvite(sess *Session, pkt *protocol.Packet, text string) {
	fields := strings.Fields(text)
	var ref, username string
	switch {
	case len(fields) == 2:
		ref, username = fields[0], fields[1]
	case len(fields) == 1 && pkt.ChannelID != 0:
		username = fields[0]
	default:
		s.sendError(sess, 0, "Usage: /invite <channel_id|name> <username>")
		return
	}

	c, ok := s.resolveChannel(pkt.ChannelID, ref)
	if !ok {
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, ref))
		return
	}
	if !containsID(c.Participants, sess.UserID) {
		s.sendError(sess, c.ID, fmt.Sprintf("You are not a member of channel '%s'", c.Name))
		return
	}

	target, ok := s.sessions.FindByUsername(username)
	if !ok {
		s.sendError(sess, c.ID, "User not found: "+username)
		return
	}

	err := s.channels.Join(c.ID, target.ID)
	switch {
	case errors.Is(err, channel.ErrAlreadyMember):
		s.sendError(sess, c.ID, fmt.Sprintf("%s is already a member of channel '%s'", username, c.Name))
		return
	case errors.Is(err, channel.ErrChannelFull):
		s.sendError(sess, c.ID, fmt.Sprintf("Channel '%s' is full", c.Name))
		return
	case err != nil:
		s.sendError(sess, 0, "Channel not found: "+channelRef(pkt.ChannelID, ref))
		return
	}

	s.sendText(sess, c.ID, fmt.Sprintf("Invited %s to channel '%s' (ID: %d)", username, c.Name, c.ID))
	s.broadcaster.Broadcast(fmt.Sprintf("%s was invited by %s", username, sess.Username), 0, c.ID, sess.peer)
}

func (s *Server) handleFile(sess *Session, pkt *protocol.Packet, _ string) {
	if pkt.File == nil {
		log.Printf("File command without chunk from %s, dropping", sess.Username)
		return
	}

	upload, err := s.files.HandleChunk(sess.UserID, sess.Username, pkt.ChannelID, pkt.File, sess.peer)
	switch {
	case errors.Is(err, channel.ErrNotFound):
		s.sendError(sess, 0, fmt.Sprintf("Channel not found: %d", pkt.ChannelID))
		return
	case errors.Is(err, channel.ErrNotMember):
		s.sendError(sess, pkt.ChannelID, fmt.Sprintf("You are not a member of channel %d", pkt.ChannelID))
		return
	case errors.Is(err, ErrInvalidChunk), errors.Is(err, ErrMissingChunk):
		s.sendError(sess, pkt.ChannelID, err.Error())
		return
	case err != nil:
		log.Printf("Failed to store chunk %d of %q from %s: %v", pkt.File.Index, pkt.File.Name, sess.Username, err)
		s.sendError(sess, pkt.ChannelID, "Failed to store file chunk")
		return
	}

	if upload != nil {
		s.sendText(sess, pkt.ChannelID, fmt.Sprintf("File '%s' uploaded to channel %d (%d bytes)",
			upload.FileName, upload.ChannelID, upload.Size))
	}
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var _ session.Peer = (*peer)(nil)
