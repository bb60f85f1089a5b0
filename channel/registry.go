package channel

import (
	"errors"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shmooki/royal-mail-ship/models"
)

var (
	ErrCapacityExceeded = errors.New("channel limit reached")
	ErrChannelFull      = errors.New("channel is full")
	ErrNotFound         = errors.New("channel not found")
	ErrAlreadyMember    = errors.New("already a member")
	ErrNotMember        = errors.New("not a member")
	ErrInvalidName      = errors.New("invalid channel name")
	ErrNameTaken        = errors.New("channel name already exists")
)

// SubscriptionRecorder receives every join for auditing.
type SubscriptionRecorder interface {
	RecordSubscription(sub models.Subscription) error
}

type Options struct {
	MaxChannels     int
	MaxParticipants int
	HistorySize     int
	Store           *Store               // nil keeps channels in memory only
	Recorder        SubscriptionRecorder // optional
}

// Registry is the process-wide channel table. Every operation runs under a
// single registry-wide lock.
type Registry struct {
	mu            sync.Mutex
	channels      map[uint64]*Channel
	order         []uint64
	seq           uint64
	subscriptions []models.Subscription
	opts          Options
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxChannels <= 0 {
		opts.MaxChannels = DefaultMaxChannel
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = MaxParticipants
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = HistorySize
	}
	return &Registry{
		channels: make(map[uint64]*Channel),
		opts:     opts,
	}
}

// Load restores every channel snapshot from the store.
func (r *Registry) Load() error {
	if r.opts.Store == nil {
		return nil
	}
	loaded, err := r.opts.Store.LoadAll()
	if err != nil {
		return err
	}

	// snapshots from before seq was recorded sort first, by id
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Seq != loaded[j].Seq {
			return loaded[i].Seq < loaded[j].Seq
		}
		return loaded[i].ID < loaded[j].ID
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range loaded {
		if _, exists := r.channels[c.ID]; exists || c.ID == 0 {
			continue
		}
		if len(r.channels) >= r.opts.MaxChannels {
			log.Printf("Channel limit reached while loading, skipping channel %d", c.ID)
			continue
		}
		if len(c.Messages) != r.opts.HistorySize {
			c = resize(c, r.opts.HistorySize)
		}
		r.channels[c.ID] = c
		r.order = append(r.order, c.ID)
		if c.Seq > r.seq {
			r.seq = c.Seq
		}
	}
	return nil
}

func resize(c *Channel, size int) *Channel {
	history := c.History()
	if len(history) > size {
		history = history[len(history)-size:]
	}
	out := &Channel{
		ID:           c.ID,
		Name:         c.Name,
		Participants: c.Participants,
		Messages:     make([]Message, size),
		MessageCount: c.MessageCount,
		Seq:          c.Seq,
	}
	first := c.MessageCount - uint64(len(history))
	for i, m := range history {
		out.Messages[(first+uint64(i))%uint64(size)] = m
	}
	return out
}

// Create allocates a channel with the creator as its only participant.
// Name uniqueness is the caller's business; see CreateUnique.
func (r *Registry) Create(name string, creatorID uint64) (uint64, error) {
	return r.create(name, creatorID, false)
}

// CreateUnique is Create with the name check done under the same lock, so
// two concurrent creates of one name cannot both succeed.
func (r *Registry) CreateUnique(name string, creatorID uint64) (uint64, error) {
	return r.create(name, creatorID, true)
}

func (r *Registry) create(name string, creatorID uint64, unique bool) (uint64, error) {
	if name == "" || len(name) >= NameSize {
		return 0, ErrInvalidName
	}

	r.mu.Lock()
	if unique && r.findByName(name) != nil {
		r.mu.Unlock()
		return 0, ErrNameTaken
	}
	if len(r.channels) >= r.opts.MaxChannels {
		r.mu.Unlock()
		return 0, ErrCapacityExceeded
	}

	id := r.newID()
	r.seq++
	c := newChannel(id, r.seq, name, creatorID, r.opts.HistorySize)
	r.channels[id] = c
	r.order = append(r.order, id)
	sub := r.subscribe(id, creatorID)
	r.persist(c)
	r.mu.Unlock()

	r.record(sub)
	return id, nil
}

// newID returns an unused eight-digit identifier. Must hold r.mu.
func (r *Registry) newID() uint64 {
	for {
		id := 10000000 + uint64(rand.Int63n(90000000))
		if _, taken := r.channels[id]; !taken {
			return id
		}
	}
}

func (r *Registry) FindByID(id uint64) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return Channel{}, false
	}
	return c.clone(), true
}

func (r *Registry) FindByName(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.findByName(name); c != nil {
		return c.clone(), true
	}
	return Channel{}, false
}

func (r *Registry) findByName(name string) *Channel {
	for _, id := range r.order {
		if c := r.channels[id]; c.Name == name {
			return c
		}
	}
	return nil
}

// Join appends userID to the participant list. Joining twice reports
// ErrAlreadyMember and leaves the list untouched.
func (r *Registry) Join(channelID, userID uint64) error {
	r.mu.Lock()
	c, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if c.hasMember(userID) {
		r.mu.Unlock()
		return ErrAlreadyMember
	}
	if len(c.Participants) >= r.opts.MaxParticipants {
		r.mu.Unlock()
		return ErrChannelFull
	}

	c.Participants = append(c.Participants, userID)
	sub := r.subscribe(channelID, userID)
	r.persist(c)
	r.mu.Unlock()

	r.record(sub)
	return nil
}

// Leave removes userID from the participant list, keeping join order.
func (r *Registry) Leave(channelID, userID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	for i, id := range c.Participants {
		if id == userID {
			c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
			r.persist(c)
			return nil
		}
	}
	return ErrNotMember
}

func (r *Registry) IsMember(channelID, userID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	return ok && c.hasMember(userID)
}

// Participants returns a copy of the channel's member list in join order.
func (r *Registry) Participants(channelID uint64) ([]uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	return append([]uint64(nil), c.Participants...), true
}

// AddMessage stores a message in the channel's ring buffer.
func (r *Registry) AddMessage(channelID, senderID uint64, content string, typ MessageType) error {
	content = truncate(content, MaxContentSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	if !c.hasMember(senderID) {
		return ErrNotMember
	}

	c.append(Message{
		ID:        rand.Uint64(),
		SenderID:  senderID,
		Timestamp: uint32(time.Now().Unix()),
		Type:      typ,
		Content:   content,
	})
	r.persist(c)
	return nil
}

// List returns every channel in creation order, including across restarts.
func (r *Registry) List() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Channel, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.channels[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Subscriptions returns the join history recorded since startup.
func (r *Registry) Subscriptions() []models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Subscription(nil), r.subscriptions...)
}

// subscribe appends to the audit history. Must hold r.mu.
func (r *Registry) subscribe(channelID, userID uint64) models.Subscription {
	sub := models.Subscription{
		ChannelID: channelID,
		UserID:    userID,
		JoinedAt:  time.Now().UTC(),
	}
	r.subscriptions = append(r.subscriptions, sub)
	return sub
}

// persist writes the snapshot. Must hold r.mu.
func (r *Registry) persist(c *Channel) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.Save(c); err != nil {
		log.Printf("Failed to save channel %d: %v", c.ID, err)
	}
}

func (r *Registry) record(sub models.Subscription) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.RecordSubscription(sub); err != nil {
		log.Printf("Failed to record subscription %d/%d: %v", sub.ChannelID, sub.UserID, err)
	}
}
