package server

import (
	"log"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/cipher"
	"github.com/shmooki/royal-mail-ship/protocol"
	"github.com/shmooki/royal-mail-ship/session"
)

const serverName = "server"

// Broadcaster fans an event out to the live members of a channel,
// encrypting separately for every recipient.
type Broadcaster struct {
	channels *channel.Registry
	sessions *session.Registry
	cipher   cipher.Cipher
}

func NewBroadcaster(channels *channel.Registry, sessions *session.Registry, c cipher.Cipher) *Broadcaster {
	return &Broadcaster{channels: channels, sessions: sessions, cipher: c}
}

// Broadcast queues plaintext for every participant of channelID in join
// order, skipping exclude and members without a live connection. It
// returns the number of packets queued. No registry lock is held while
// encrypting or queueing.
func (b *Broadcaster) Broadcast(plaintext string, senderID, channelID uint64, exclude session.Peer) int {
	members, ok := b.channels.Participants(channelID)
	if !ok {
		return 0
	}

	username := serverName
	if sender, ok := b.sessions.FindByUserID(senderID); ok {
		username = sender.Username
	}

	msgID := newMessageID()
	now := uint32(time.Now().Unix())

	sent := 0
	for _, u := range b.sessions.Lookup(members) {
		if u.Peer == nil || u.Peer == exclude {
			continue
		}

		words, err := seal(b.cipher, plaintext, u.PublicKey)
		if err != nil {
			log.Printf("Failed to encrypt for user %d: %v", u.ID, err)
			continue
		}

		pkt := &protocol.Packet{
			SenderID:  senderID,
			ChannelID: channelID,
			MsgID:     msgID,
			Timestamp: now,
			Command:   protocol.CmdMessage,
			Username:  username,
			Payload:   words,
		}
		if !u.Peer.Enqueue(pkt) {
			log.Printf("Outbound queue full or closed for user %d, dropping message %d", u.ID, msgID)
			continue
		}
		sent++
	}
	return sent
}

// seal encrypts text for one recipient, truncated to what a packet holds.
func seal(c cipher.Cipher, text string, key cipher.PublicKey) ([]int64, error) {
	return c.Encrypt(truncate(text, protocol.MaxPayload), key)
}

// truncate cuts s to at most n bytes, backing off to a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func newMessageID() uint64 {
	return rand.Uint64()
}
