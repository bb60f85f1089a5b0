package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shmooki/royal-mail-ship/channel"
	"github.com/shmooki/royal-mail-ship/cipher"
	"github.com/shmooki/royal-mail-ship/models"
	"github.com/shmooki/royal-mail-ship/protocol"
	"github.com/shmooki/royal-mail-ship/session"
)

const defaultFlushTimeout = 5 * time.Second

var ErrBootstrap = errors.New("bootstrap failed")

// AuditStore receives presence and upload events and answers upload
// queries. Failures are logged and never affect the connection.
type AuditStore interface {
	UpdateLastOnline(userID uint64, username string, t time.Time) error
	UpdateLastOffline(userID uint64, t time.Time) error
	RecordUpload(u models.Upload) error
	GetUploads(channelID uint64) ([]models.Upload, error)
}

type Server struct {
	config      *ServerConfig
	channels    *channel.Registry
	sessions    *session.Registry
	audit       AuditStore
	cipher      cipher.Cipher
	key         cipher.PrivateKey
	broadcaster *Broadcaster
	files       *Reassembler
	handlers    map[protocol.Command]handlerFunc

	mu       sync.RWMutex
	active   map[string]*Session // by peer id
	listener net.Listener
	closing  bool
	done     chan struct{}
}

type ServerConfig struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration // zero waits forever
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	OutboundQueue    int
	FileDir          string
}

// Session is one authenticated connection.
type Session struct {
	UserID     uint64
	Username   string
	PublicKey  cipher.PublicKey
	RemoteAddr string
	Since      time.Time

	conn net.Conn
	peer *peer
}

// New builds a server around existing registries and generates its key
// pair. audit may be nil.
func New(channels *channel.Registry, sessions *session.Registry, audit AuditStore, config *ServerConfig) (*Server, error) {
	key, err := cipher.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}

	s := &Server{
		config:   config,
		channels: channels,
		sessions: sessions,
		audit:    audit,
		cipher:   cipher.Toy{},
		key:      key,
		active:   make(map[string]*Session),
		done:     make(chan struct{}),
	}
	s.broadcaster = NewBroadcaster(channels, sessions, s.cipher)
	s.files = NewReassembler(config.FileDir, channels, s.broadcaster, audit)
	s.handlers = s.routes()
	return s, nil
}

// PublicKey is the key the server sends during the handshake.
func (s *Server) PublicKey() cipher.PublicKey {
	return s.key.PublicKey
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	log.Printf("Broker started on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// flushTimeout bounds how long a closing connection may spend draining
// its outbound queue.
func (s *Server) flushTimeout() time.Duration {
	if s.config.WriteTimeout > 0 {
		return s.config.WriteTimeout
	}
	return defaultFlushTimeout
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	log.Printf("New client connected from %s", remoteAddr)

	sess, err := s.bootstrap(conn)
	if err != nil {
		log.Printf("Closing %s: %v", remoteAddr, err)
		conn.Close()
		return
	}

	if !s.addSession(sess) {
		s.sessions.Detach(sess.UserID, sess.peer)
		conn.Close()
		return
	}
	go sess.peer.writePump()

	if s.audit != nil {
		if err := s.audit.UpdateLastOnline(sess.UserID, sess.Username, sess.Since); err != nil {
			log.Printf("Failed to update last_online for %s: %v", sess.Username, err)
		}
	}
	log.Printf("Client %s (id %d) logged in from %s", sess.Username, sess.UserID, remoteAddr)

	defer s.endSession(sess)

	// a client that cannot receive its id cannot use the session
	if !s.sendText(sess, 0, strconv.FormatUint(sess.UserID, 10)) {
		return
	}

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		pkt, err := protocol.ReadPacket(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidPacket) {
				log.Printf("Dropped malformed packet from %s: %v", sess.Username, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			return
		}

		s.handlePacket(sess, pkt)
	}
}

// bootstrap runs the key exchange and login. A failure leaves no trace in
// the session registry.
func (s *Server) bootstrap(conn net.Conn) (*Session, error) {
	if s.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	if err := protocol.WritePublicKey(conn, s.key.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: send key: %w", ErrBootstrap, err)
	}
	clientKey, err := protocol.ReadPublicKey(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %w", ErrBootstrap, err)
	}
	if !clientKey.Valid() {
		return nil, fmt.Errorf("%w: unusable client key (n=%d, e=%d)", ErrBootstrap, clientKey.N, clientKey.E)
	}

	username, err := s.readCredential(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: username: %w", ErrBootstrap, err)
	}
	password, err := s.readCredential(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: password: %w", ErrBootstrap, err)
	}

	p := newPeer(conn, s.config.OutboundQueue, s.config.WriteTimeout)
	user, err := s.login(username, password, clientKey, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBootstrap, username, err)
	}

	return &Session{
		UserID:     user.ID,
		Username:   user.Username,
		PublicKey:  user.PublicKey,
		RemoteAddr: conn.RemoteAddr().String(),
		Since:      time.Now().UTC(),
		conn:       conn,
		peer:       p,
	}, nil
}

func (s *Server) readCredential(conn net.Conn) (string, error) {
	pkt, err := protocol.ReadPacket(conn)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(pkt.Payload, s.key)
}

// login registers unknown usernames and authenticates known ones.
func (s *Server) login(username, password string, key cipher.PublicKey, p *peer) (session.User, error) {
	if _, known := s.sessions.FindByUsername(username); known {
		return s.sessions.Authenticate(username, password, key, p)
	}
	user, err := s.sessions.Register(username, password, key, p)
	if errors.Is(err, session.ErrUsernameTaken) {
		// lost a race with a concurrent signup of the same name
		return s.sessions.Authenticate(username, password, key, p)
	}
	return user, err
}

func (s *Server) endSession(sess *Session) {
	s.sessions.Detach(sess.UserID, sess.peer)
	s.removeSession(sess.peer.ID())

	sess.peer.close()
	sess.peer.wait(s.flushTimeout())
	sess.conn.Close()

	if s.audit != nil {
		if err := s.audit.UpdateLastOffline(sess.UserID, time.Now().UTC()); err != nil {
			log.Printf("Failed to update last_offline for %s: %v", sess.Username, err)
		}
	}
	log.Printf("Client %s disconnected from %s", sess.Username, sess.RemoteAddr)
}

func (s *Server) handlePacket(sess *Session, pkt *protocol.Packet) {
	handler, ok := s.handlers[pkt.Command]
	if !ok {
		log.Printf("Unknown %s from %s, dropping", pkt.Command, sess.Username)
		return
	}

	var text string
	if pkt.Command != protocol.CmdFile {
		plain, err := s.cipher.Decrypt(pkt.Payload, s.key)
		if err != nil {
			log.Printf("Dropped undecryptable %s from %s: %v", pkt.Command, sess.Username, err)
			return
		}
		text = plain
	}

	handler(sess, pkt, text)
}

// sendText queues a server-originated reply to one session.
func (s *Server) sendText(sess *Session, channelID uint64, text string) bool {
	words, err := seal(s.cipher, text, sess.PublicKey)
	if err != nil {
		log.Printf("Failed to encrypt reply for %s: %v", sess.Username, err)
		return false
	}

	pkt := &protocol.Packet{
		ChannelID: channelID,
		MsgID:     newMessageID(),
		Timestamp: uint32(time.Now().Unix()),
		Command:   protocol.CmdMessage,
		Username:  serverName,
		Payload:   words,
	}
	if !sess.peer.Enqueue(pkt) {
		log.Printf("Outbound queue full or closed for %s, dropping reply", sess.Username)
		return false
	}
	return true
}

func (s *Server) sendError(sess *Session, channelID uint64, description string) {
	s.sendText(sess, channelID, "Error: "+description)
}

// sendLines packs lines into as few replies as fit in a payload.
func (s *Server) sendLines(sess *Session, channelID uint64, lines []string) {
	var b strings.Builder
	for _, line := range lines {
		if b.Len() > 0 && b.Len()+1+len(line) > protocol.MaxPayload {
			s.sendText(sess, channelID, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		s.sendText(sess, channelID, b.String())
	}
}

func (s *Server) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active[sess.peer.ID()] = sess
	return true
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Shutdown stops accepting, tells every connected client why, and closes
// their connections once queued replies are flushed.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	notice := "Server shutting down: " + reason
	if !completionTime.IsZero() {
		notice += " (back at " + completionTime.UTC().Format(time.RFC3339) + ")"
	}

	for _, sess := range sessions {
		s.sendText(sess, 0, notice)
		sess.peer.close()
	}
	for _, sess := range sessions {
		sess.peer.wait(s.flushTimeout())
		sess.conn.Close()
	}

	log.Printf("Shutdown complete: reason=%s, sessions=%d", reason, len(sessions))
	close(s.done)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	users := make([]string, 0, len(s.active))
	for _, sess := range s.active {
		users = append(users, sess.Username)
	}
	s.mu.RUnlock()
	sort.Strings(users)

	return "connections=" + strconv.Itoa(len(users)) +
		",users=" + strings.Join(users, ";") +
		",channels=" + strconv.Itoa(s.channels.Len()) +
		",known_users=" + strconv.Itoa(s.sessions.Len())
}
