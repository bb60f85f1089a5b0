package channel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	filePrefix = "channel_"
	fileSuffix = ".dat"
)

// Store keeps one snapshot file per channel in a directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, filePrefix+strconv.FormatUint(id, 10)+fileSuffix)
}

// Save overwrites the channel's snapshot. The write goes through a temp
// file so a crash never leaves a half-written snapshot behind.
func (s *Store) Save(c *Channel) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	tmp := s.path(c.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write channel %d: %w", c.ID, err)
	}
	if err := os.Rename(tmp, s.path(c.ID)); err != nil {
		return fmt.Errorf("rename channel %d: %w", c.ID, err)
	}
	return nil
}

// LoadAll reads every snapshot in the directory.
func (s *Store) LoadAll() ([]*Channel, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read channel dir: %w", err)
	}

	var channels []*Channel
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var c Channel
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		channels = append(channels, &c)
	}
	return channels, nil
}
