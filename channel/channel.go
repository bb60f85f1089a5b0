// Package channel owns channel existence, membership and per-channel
// message history.
package channel

import "unicode/utf8"

const (
	NameSize          = 32
	MaxParticipants   = 25
	HistorySize       = 32
	MaxContentSize    = 512
	DefaultMaxChannel = 64
)

type MessageType int

const (
	MessageText MessageType = iota
	MessageFile
)

type Message struct {
	ID        uint64      `json:"id"`
	SenderID  uint64      `json:"sender_id"`
	Timestamp uint32      `json:"timestamp"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
}

// Channel is a snapshot of one channel. Values handed out by the Registry
// are copies; mutating them has no effect on the registry.
type Channel struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Participants []uint64  `json:"participants"`
	Messages     []Message `json:"messages"` // ring, len == capacity
	MessageCount uint64    `json:"message_count"`
	Seq          uint64    `json:"seq"` // creation order, survives restarts
}

func newChannel(id, seq uint64, name string, creatorID uint64, historySize int) *Channel {
	return &Channel{
		ID:           id,
		Seq:          seq,
		Name:         name,
		Participants: []uint64{creatorID},
		Messages:     make([]Message, historySize),
	}
}

func (c *Channel) hasMember(userID uint64) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// append writes into slot MessageCount mod capacity, overwriting the oldest
// entry once the ring is full.
func (c *Channel) append(m Message) {
	c.Messages[c.MessageCount%uint64(len(c.Messages))] = m
	c.MessageCount++
}

// History returns the retained messages, oldest first.
func (c Channel) History() []Message {
	capacity := uint64(len(c.Messages))
	if capacity == 0 {
		return nil
	}
	n := c.MessageCount
	if n > capacity {
		n = capacity
	}
	out := make([]Message, 0, n)
	for i := c.MessageCount - n; i < c.MessageCount; i++ {
		out = append(out, c.Messages[i%capacity])
	}
	return out
}

func (c *Channel) clone() Channel {
	return Channel{
		ID:           c.ID,
		Name:         c.Name,
		Participants: append([]uint64(nil), c.Participants...),
		Messages:     append([]Message(nil), c.Messages...),
		MessageCount: c.MessageCount,
		Seq:          c.Seq,
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
