package session

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shmooki/royal-mail-ship/models"
)

// CredentialLog is the append-only "username password userId" file.
type CredentialLog struct {
	path string
	mu   sync.Mutex
}

func NewCredentialLog(path string) *CredentialLog {
	return &CredentialLog{path: path}
}

// Append writes one record and syncs it before returning.
func (l *CredentialLog) Append(u models.User) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open credential log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s %d\n", u.Username, u.Password, u.ID); err != nil {
		return fmt.Errorf("append credential: %w", err)
	}
	return f.Sync()
}

// Load replays the log. A missing file is an empty log.
func (l *CredentialLog) Load() ([]models.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open credential log: %w", err)
	}
	defer f.Close()

	var users []models.User
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("credential log line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("credential log line %d: %w", lineNo, err)
		}
		users = append(users, models.User{ID: id, Username: fields[0], Password: fields[1]})
	}
	return users, scanner.Err()
}
