package syncer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dev-Stive/securadb/securadb/storage"
)

// OutboxFilename is the outbox file created next to the dataset.
const OutboxFilename = "sync-outbox.jsonl"

// Item is one pending sync request.
type Item struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	Collections []string  `json:"collections,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Attempts    int       `json:"attempts"`
}

// Outbox is a bounded FIFO of sync requests persisted as JSON lines, so
// queued requests survive a restart. Every mutation rewrites the file.
type Outbox struct {
	mu     sync.Mutex
	path   string
	max    int
	fs     storage.FileSystem
	logger *slog.Logger
	items  []Item
}

// OpenOutbox loads the outbox at path, keeping at most max items. Lines
// that do not decode are dropped with a warning.
func OpenOutbox(path string, max int, fsys storage.FileSystem, logger *slog.Logger) (*Outbox, error) {
	if fsys == nil {
		fsys = storage.OSFileSystem{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{path: path, max: max, fs: fsys, logger: logger}

	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			logger.Warn("dropping unreadable outbox entry", "path", path, "line", line, "error", err)
			continue
		}
		o.items = append(o.items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	o.trimFront()
	return o, nil
}

// NewItem builds a request with a fresh id.
func NewItem(reason string, collections []string, now time.Time) Item {
	return Item{
		ID:          uuid.NewString(),
		Reason:      reason,
		Collections: append([]string(nil), collections...),
		CreatedAt:   now.UTC(),
	}
}

// Push appends item. When the outbox is full the oldest request is dropped.
func (o *Outbox) Push(item Item) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, item)
	o.trimFront()
	return o.persist()
}

// Peek returns the oldest request without removing it. The request stays
// on disk until Remove or Retry settles it.
func (o *Outbox) Peek() (Item, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return Item{}, false
	}
	return o.items[0], true
}

// Remove drops the request with id. Removing an id that is no longer
// queued is a no-op.
func (o *Outbox) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexOf(id)
	if i < 0 {
		return nil
	}
	o.items = append(o.items[:i], o.items[i+1:]...)
	return o.persist()
}

// Retry stores item, usually with a bumped attempt count, in place of the
// queued request with the same id. A request the outbox dropped while it
// was in flight goes back to the front, pushing out the newest request
// when the outbox is full.
func (o *Outbox) Retry(item Item) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.indexOf(item.ID); i >= 0 {
		o.items[i] = item
		return o.persist()
	}
	o.items = append([]Item{item}, o.items...)
	if o.max > 0 && len(o.items) > o.max {
		o.items = o.items[:o.max]
	}
	return o.persist()
}

func (o *Outbox) indexOf(id string) int {
	for i, item := range o.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// Len reports the number of pending requests.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Items returns a copy of the pending requests, oldest first.
func (o *Outbox) Items() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Item(nil), o.items...)
}

func (o *Outbox) trimFront() {
	if o.max > 0 && len(o.items) > o.max {
		dropped := len(o.items) - o.max
		o.logger.Warn("sync outbox full, dropping oldest requests", "dropped", dropped)
		o.items = o.items[dropped:]
	}
}

func (o *Outbox) persist() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range o.items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to encode outbox item %s: %w", item.ID, err)
		}
	}
	tmp := o.path + ".tmp"
	if err := o.fs.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write outbox: %w", err)
	}
	if err := o.fs.Rename(tmp, o.path); err != nil {
		_ = o.fs.Remove(tmp)
		return fmt.Errorf("failed to replace outbox: %w", err)
	}
	return nil
}
