package server

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shmooki/royal-mail-ship/protocol"
)

const defaultOutboundQueue = 64

// peer owns the write side of one connection. Packets are queued by any
// goroutine and written in order by writePump, so a stalled socket only
// holds up its own queue.
type peer struct {
	id           string
	conn         net.Conn
	send         chan *protocol.Packet
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newPeer(conn net.Conn, queue int, writeTimeout time.Duration) *peer {
	if queue <= 0 {
		queue = defaultOutboundQueue
	}
	return &peer{
		id:           uuid.New().String(),
		conn:         conn,
		send:         make(chan *protocol.Packet, queue),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (p *peer) ID() string { return p.id }

// Enqueue never blocks. It reports false when the peer is closed or its
// queue is full.
func (p *peer) Enqueue(pkt *protocol.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.send <- pkt:
		return true
	default:
		return false
	}
}

func (p *peer) writePump() {
	defer close(p.done)

	for pkt := range p.send {
		if p.writeTimeout > 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if err := protocol.WritePacket(p.conn, pkt); err != nil {
			log.Printf("Error writing to peer %s: %v", p.id, err)
			p.conn.Close()
			return
		}
	}
}

// close stops accepting packets; writePump drains what is queued and exits.
func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// wait blocks until writePump has exited or timeout elapses.
func (p *peer) wait(timeout time.Duration) {
	if timeout <= 0 {
		<-p.done
		return
	}
	select {
	case <-p.done:
	case <-time.After(timeout):
	}
}
