package position

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"autotrader/pkg/broker"
	"autotrader/pkg/db"
)

// Store keeps each account's positions in memory with write-through
// persistence to sqlite. Workers are the only writers for their own
// account; the control surface reads concurrently.
type Store struct {
	mu        sync.RWMutex
	database  *db.Database
	byAccount map[string]map[string]*Position // accountID -> positionID -> position
}

// NewStore creates an empty store backed by database.
func NewStore(database *db.Database) *Store {
	return &Store{
		database:  database,
		byAccount: make(map[string]map[string]*Position),
	}
}

// LoadAccount hydrates an account's positions from sqlite. Called once per
// worker at startup, before the first reconcile.
func (s *Store) LoadAccount(ctx context.Context, accountID string) error {
	rows, err := s.database.ListPositionsByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load positions for %s: %w", accountID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]*Position, len(rows))
	for _, row := range rows {
		p, err := fromRow(row)
		if err != nil {
			return err
		}
		m[p.ID] = p
	}
	s.byAccount[accountID] = m
	return nil
}

// Save persists a position and updates the in-memory view.
func (s *Store) Save(ctx context.Context, p *Position) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	if err := s.database.UpsertPosition(ctx, row); err != nil {
		return fmt.Errorf("persist position %s: %w", p.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byAccount[p.AccountID]
	if !ok {
		m = make(map[string]*Position)
		s.byAccount[p.AccountID] = m
	}
	m[p.ID] = p
	return nil
}

// Get returns a position by account and id.
func (s *Store) Get(accountID, id string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byAccount[accountID][id]
	return p, ok
}

// Active returns the account's active (OPEN or PARTIALLY_CLOSED) positions
// ordered by entry time.
func (s *Store) Active(accountID string) []*Position {
	return s.list(accountID, func(p *Position) bool { return p.Active() })
}

// Zombies returns the account's zombie positions.
func (s *Store) Zombies(accountID string) []*Position {
	return s.list(accountID, func(p *Position) bool { return p.Status == StatusZombie })
}

// All returns every tracked position for the account, closed included.
func (s *Store) All(accountID string) []*Position {
	return s.list(accountID, func(*Position) bool { return true })
}

func (s *Store) list(accountID string, keep func(*Position) bool) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Position
	for _, p := range s.byAccount[accountID] {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// FindActiveBySymbol returns the account's active position in symbol, if any.
func (s *Store) FindActiveBySymbol(accountID, symbol string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byAccount[accountID] {
		if p.Symbol == symbol && (p.Active() || p.Status == StatusZombie) {
			return p, true
		}
	}
	return nil, false
}

func toRow(p *Position) (db.Position, error) {
	ladder, err := MarshalLadder(p.Ladder)
	if err != nil {
		return db.Position{}, err
	}
	return db.Position{
		ID:            p.ID,
		AccountID:     p.AccountID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		OriginalQty:   p.OriginalQty,
		RemainingQty:  p.RemainingQty,
		EntryPrice:    p.EntryPrice,
		EntryTime:     p.EntryTime,
		StopPrice:     p.StopPrice,
		Ladder:        ladder,
		Status:        string(p.Status),
		LastPrice:     p.LastPrice,
		LastCheckedAt: p.LastCheckedAt,
		ZombieAt:      p.ZombieAt,
		ZombieReason:  p.ZombieReason,
		FailureNote:   p.FailureNote,
		LastIntentID:  p.LastIntentID,
		CloseNote:     p.CloseNote,
	}, nil
}

func fromRow(row db.Position) (*Position, error) {
	ladder, err := UnmarshalLadder(row.Ladder)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", row.ID, err)
	}
	return &Position{
		ID:            row.ID,
		AccountID:     row.AccountID,
		Symbol:        row.Symbol,
		Side:          broker.Side(row.Side),
		OriginalQty:   row.OriginalQty,
		RemainingQty:  row.RemainingQty,
		EntryPrice:    row.EntryPrice,
		EntryTime:     row.EntryTime,
		StopPrice:     row.StopPrice,
		Ladder:        ladder,
		Status:        Status(row.Status),
		LastPrice:     row.LastPrice,
		LastCheckedAt: row.LastCheckedAt,
		ZombieAt:      row.ZombieAt,
		ZombieReason:  row.ZombieReason,
		FailureNote:   row.FailureNote,
		LastIntentID:  row.LastIntentID,
		CloseNote:     row.CloseNote,
	}, nil
}
