package server

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"
)

// ServeControl answers management commands on a unix socket until the
// server shuts down. Commands are single lines: "stats" or
// "shutdown|reason|completion" with an optional RFC 3339 completion time.
func (s *Server) ServeControl(path string) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}
	defer os.Remove(path)

	go func() {
		<-s.done
		listener.Close()
	}()

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		go s.handleControlCommand(conn)
	}
}

func (s *Server) handleControlCommand(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time

		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested: reason=%s, completion=%v", reason, completionTime)
		s.Shutdown(reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// ControlRequest sends one command to a running server's control socket
// and returns the reply line without its status prefix.
func ControlRequest(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	reply = strings.TrimSpace(reply)

	status, body, _ := strings.Cut(reply, "|")
	if status != "OK" {
		return "", fmt.Errorf("control: %s", body)
	}
	return body, nil
}
