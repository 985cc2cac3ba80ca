package intent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"autotrader/pkg/db"
	"autotrader/pkg/logger"
)

// walEntry is one journal line. BEGIN carries the full intent; RESOLVE
// references it by id.
type walEntry struct {
	Action string  `json:"action"` // BEGIN or RESOLVE
	Intent *Intent `json:"intent,omitempty"`
	ID     string  `json:"id,omitempty"`
	Status string  `json:"status,omitempty"`
}

// Journal is one account's durable intent log: an append-only WAL file for
// crash recovery plus a write-through sqlite audit row. Only the owning
// worker writes to it.
type Journal struct {
	mu        sync.Mutex
	accountID string
	path      string
	file      *os.File
	database  *db.Database

	pending map[string]Intent
}

// OpenJournal opens (or creates) the WAL for one account under dir.
func OpenJournal(dir, accountID string, database *db.Database) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, accountID+".wal")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{
		accountID: accountID,
		path:      path,
		file:      file,
		database:  database,
		pending:   make(map[string]Intent),
	}, nil
}

// Begin durably records an intent before its order is placed. The WAL write
// is fsynced; the sqlite row is the queryable audit copy.
func (j *Journal) Begin(ctx context.Context, in Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.append(walEntry{Action: "BEGIN", Intent: &in}); err != nil {
		return err
	}
	if err := j.database.CreateIntent(ctx, in.toRow()); err != nil {
		return fmt.Errorf("record intent %s: %w", in.ID, err)
	}
	j.pending[in.ID] = in
	return nil
}

// Resolve records the outcome of a begun intent.
func (j *Journal) Resolve(ctx context.Context, id, status string, filledQty, avgPrice float64, execErr string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.append(walEntry{Action: "RESOLVE", ID: id, Status: status}); err != nil {
		return err
	}
	if err := j.database.ResolveIntent(ctx, id, status, filledQty, avgPrice, execErr); err != nil {
		return fmt.Errorf("resolve intent %s: %w", id, err)
	}
	delete(j.pending, id)

	if len(j.pending) == 0 {
		if err := j.compact(); err != nil {
			logger.Warnf("intent journal %s: compact failed: %v", j.accountID, err)
		}
	}
	return nil
}

// Recover replays the WAL and returns intents that were begun but never
// resolved. These orders may or may not have reached the venue; the caller
// reconciles against broker state before acting.
func (j *Journal) Recover() ([]Intent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for recovery: %w", err)
	}
	defer f.Close()

	open := make(map[string]Intent)
	var order []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crash mid-write is expected; stop there.
			logger.Warnf("intent journal %s: truncated entry, stopping replay: %v", j.accountID, err)
			break
		}
		switch e.Action {
		case "BEGIN":
			if e.Intent != nil {
				open[e.Intent.ID] = *e.Intent
				order = append(order, e.Intent.ID)
			}
		case "RESOLVE":
			delete(open, e.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	var out []Intent
	for _, id := range order {
		if in, ok := open[id]; ok {
			out = append(out, in)
			j.pending[id] = in
		}
	}
	return out, nil
}

// PendingRows returns the sqlite view of unresolved intents, used by the
// control surface.
func (j *Journal) PendingRows(ctx context.Context) ([]Intent, error) {
	rows, err := j.database.ListPendingIntents(ctx, j.accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Intent, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Close releases the WAL file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) append(e walEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// compact truncates the WAL once nothing is pending. Resolved history lives
// in sqlite; the file only needs to cover in-flight orders.
func (j *Journal) compact() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file = file
	return nil
}
