package events

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix      = "event_"
	fileSuffix      = ".json"
	consumedSuffix  = ".consumed"
	tempFilePattern = ".event-tmp-*"
)

// Channel is one order's event directory:
// <root>/RESULT/<order>/LOGS/events/. Emitters may live in other processes;
// the write-temp-then-rename contract is what keeps concurrent emission and
// consumption safe without any shared memory.
type Channel struct {
	dir       string
	projectID string
	orderID   string
	logger    *log.Logger
}

// NewChannel ensures the events directory for the order exists.
func NewChannel(root, projectID, orderID string, logger *log.Logger) (*Channel, error) {
	if logger == nil {
		logger = log.Default()
	}
	dir := filepath.Join(root, "RESULT", orderID, "LOGS", "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating events directory %s: %w", dir, err)
	}
	return &Channel{dir: dir, projectID: projectID, orderID: orderID, logger: logger}, nil
}

// Dir returns the directory the channel reads and writes.
func (c *Channel) Dir() string {
	return c.dir
}

// Emit writes one event file atomically: the document goes to a temp file in
// the same directory, is synced, then renamed into place. The filename embeds
// the task id and a microsecond timestamp for uniqueness and sort order.
func (c *Channel) Emit(t Type, taskID string, metadata map[string]any) error {
	ev := Event{
		Type:      t,
		TaskID:    taskID,
		ProjectID: c.projectID,
		OrderID:   c.orderID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("creating temp event file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp event file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp event file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp event file: %w", err)
	}

	id := taskID
	if id == "" {
		// Events not tied to a task keep the filename contract.
		id = "system"
	}
	name := fmt.Sprintf("%s%s_%d%s", filePrefix, id, ev.Timestamp.UnixMicro(), fileSuffix)
	if err := os.Rename(tmpName, filepath.Join(c.dir, name)); err != nil {
		return fmt.Errorf("publishing event file %s: %w", name, err)
	}
	return nil
}

// Consume reads all pending event files, optionally restricted to the given
// types (non-matching files stay pending), marks each returned event consumed
// by renaming it with a .consumed suffix (deleting on rename failure), and
// returns the payloads ordered by timestamp ascending. Unreadable or
// malformed files are logged and skipped, never surfaced as errors.
func (c *Channel) Consume(types ...Type) ([]*Event, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("reading events directory: %w", err)
	}

	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var out []*Event
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(c.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Printf("events: skipping unreadable file %s: %v", name, err)
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("events: skipping malformed file %s: %v", name, err)
			continue
		}

		if len(wanted) > 0 && !wanted[ev.Type] {
			continue // left pending for a consumer that wants it
		}

		if err := os.Rename(path, path+consumedSuffix); err != nil {
			// Rename failed; fall back to deleting so the event is
			// not delivered twice.
			if rmErr := os.Remove(path); rmErr != nil {
				c.logger.Printf("events: cannot mark %s consumed: %v", name, rmErr)
				continue
			}
		}

		out = append(out, &ev)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Pending counts event files not yet consumed.
func (c *Channel) Pending() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("reading events directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			n++
		}
	}
	return n, nil
}

// CleanupOld deletes pending and consumed event files older than maxAge.
// Returns the number of files removed.
func (c *Channel) CleanupOld(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("reading events directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if !strings.HasSuffix(name, fileSuffix) && !strings.HasSuffix(name, consumedSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.logger.Printf("events: failed to remove old file %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
