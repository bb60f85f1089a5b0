// Package session maps live connections to authenticated identities.
// Records outlive their connections: a disconnect only clears the live peer.
package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/shmooki/royal-mail-ship/cipher"
	"github.com/shmooki/royal-mail-ship/models"
	"github.com/shmooki/royal-mail-ship/protocol"
)

const (
	UsernameSize       = protocol.UsernameSize
	PasswordSize       = 64
	DefaultMaxSessions = 128
)

var (
	ErrCapacityExceeded   = errors.New("session limit reached")
	ErrNotFound           = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrAlreadyConnected   = errors.New("user already connected")
)

// Peer is the outbound side of a live connection.
type Peer interface {
	Enqueue(pkt *protocol.Packet) bool
	ID() string
}

// User is a snapshot of a session record. Peer is nil while disconnected.
type User struct {
	ID        uint64
	Username  string
	Password  string
	PublicKey cipher.PublicKey
	Peer      Peer
}

func (u User) Connected() bool { return u.Peer != nil }

type Options struct {
	MaxSessions int
	Log         *CredentialLog // nil keeps credentials in memory only
	Verifier    Verifier       // defaults to PlainVerifier
}

// Registry holds every known user, connected or not.
type Registry struct {
	mu       sync.Mutex
	users    map[uint64]*User
	byName   map[string]uint64
	nextID   uint64
	max      int
	log      *CredentialLog
	verifier Verifier
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Verifier == nil {
		opts.Verifier = PlainVerifier{}
	}
	return &Registry{
		users:    make(map[uint64]*User),
		byName:   make(map[string]uint64),
		nextID:   1,
		max:      opts.MaxSessions,
		log:      opts.Log,
		verifier: opts.Verifier,
	}
}

// Restore loads disconnected records, typically from CredentialLog.Load.
func (r *Registry) Restore(users []models.User) error {
	for _, u := range users {
		if err := r.Insert(User{ID: u.ID, Username: u.Username, Password: u.Password}); err != nil {
			return err
		}
	}
	return nil
}

// Insert publishes a record without touching the credential log.
func (r *Registry) Insert(u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(u)
}

// insert must hold r.mu.
func (r *Registry) insert(u User) error {
	if _, taken := r.byName[u.Username]; taken {
		return ErrUsernameTaken
	}
	if len(r.users) >= r.max {
		return ErrCapacityExceeded
	}
	stored := u
	r.users[u.ID] = &stored
	r.byName[u.Username] = u.ID
	if u.ID >= r.nextID {
		r.nextID = u.ID + 1
	}
	return nil
}

// Register creates a new identity bound to peer. The credential log is
// written before the record becomes visible to lookups.
func (r *Registry) Register(username, password string, key cipher.PublicKey, peer Peer) (User, error) {
	if !validCredential(username, UsernameSize) || !validCredential(password, PasswordSize) {
		return User{}, ErrInvalidCredentials
	}

	stored, err := r.verifier.Hash(password)
	if err != nil {
		return User{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[username]; taken {
		return User{}, ErrUsernameTaken
	}
	if len(r.users) >= r.max {
		return User{}, ErrCapacityExceeded
	}

	u := User{ID: r.nextID, Username: username, Password: stored, PublicKey: key, Peer: peer}
	if r.log != nil {
		if err := r.log.Append(models.User{ID: u.ID, Username: u.Username, Password: u.Password}); err != nil {
			return User{}, err
		}
	}
	if err := r.insert(u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate checks the password of an existing identity and binds it
// to peer.
func (r *Registry) Authenticate(username, password string, key cipher.PublicKey, peer Peer) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	u := r.users[id]
	if !r.verifier.Verify(u.Password, password) {
		return User{}, ErrAuthFailed
	}
	if u.Peer != nil {
		return User{}, ErrAlreadyConnected
	}

	u.Peer = peer
	u.PublicKey = key
	return *u, nil
}

// Detach marks the user disconnected if peer is still the live one.
func (r *Registry) Detach(userID uint64, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[userID]; ok && u.Peer == peer {
		u.Peer = nil
	}
}

func (r *Registry) FindByUsername(username string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[username]
	if !ok {
		return User{}, false
	}
	return *r.users[id], true
}

func (r *Registry) FindByUserID(id uint64) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Lookup resolves ids in order under one lock; unknown ids are skipped.
func (r *Registry) Lookup(ids []uint64) []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out
}

// Connected returns the users that currently have a live peer.
func (r *Registry) Connected() []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []User
	for _, u := range r.users {
		if u.Peer != nil {
			out = append(out, *u)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func validCredential(s string, size int) bool {
	return s != "" && len(s) < size && !strings.ContainsAny(s, " \t\r\n")
}
