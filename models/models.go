package models

import "time"

type User struct {
	ID       uint64
	Username string
	Password string // as stored in the credential log
}

// Subscription is one join event; the channel's participant list is the
// authority on membership, this is history.
type Subscription struct {
	ChannelID uint64
	UserID    uint64
	JoinedAt  time.Time
}

type Upload struct {
	ChannelID   uint64
	SenderID    uint64
	FileName    string
	Size        int64
	Path        string
	CompletedAt time.Time
}

type Presence struct {
	UserID      uint64
	Username    string
	LastOnline  time.Time
	LastOffline time.Time
}
