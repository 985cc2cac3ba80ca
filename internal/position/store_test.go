package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"autotrader/pkg/broker"
	"autotrader/pkg/db"
)

func testDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := testDB(t)
	store := NewStore(database)

	p := newTestPosition(t, 10, 100, []LadderRung{
		{Threshold: 0.02, Fraction: 0.3, Consumed: true},
		{Threshold: 0.05, Fraction: 0.7},
	})
	p.EntryTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := p.ApplyExitFill(3, ""); err != nil {
		t.Fatal(err)
	}
	p.MarkPrice(102.5, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	p.FailureNote = "exit retry pending"
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh store simulates a process restart.
	reloaded := NewStore(database)
	if err := reloaded.LoadAccount(ctx, "acct-1"); err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}

	got, ok := reloaded.Get("acct-1", p.ID)
	if !ok {
		t.Fatal("position not found after reload")
	}
	if got.Symbol != "BTCUSDT" || got.Side != broker.SideBuy {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.OriginalQty != 10 || got.RemainingQty != 7 {
		t.Fatalf("qty mismatch: orig=%v remaining=%v", got.OriginalQty, got.RemainingQty)
	}
	if got.Status != StatusPartiallyClosed {
		t.Fatalf("status = %s, want PARTIALLY_CLOSED", got.Status)
	}
	if len(got.Ladder) != 2 || !got.Ladder[0].Consumed || got.Ladder[1].Consumed {
		t.Fatalf("ladder mismatch: %+v", got.Ladder)
	}
	if got.LastPrice != 102.5 {
		t.Fatalf("last price = %v", got.LastPrice)
	}
	if got.FailureNote != "exit retry pending" {
		t.Fatalf("failure note = %q", got.FailureNote)
	}
	if !got.EntryTime.Equal(p.EntryTime) {
		t.Fatalf("entry time = %v, want %v", got.EntryTime, p.EntryTime)
	}
}

func TestStoreZombieSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	database := testDB(t)
	store := NewStore(database)

	p := newTestPosition(t, 5, 200, nil)
	markedAt := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	p.MarkZombie("price unavailable", markedAt)
	if err := store.Save(ctx, p); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore(database)
	if err := reloaded.LoadAccount(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	zombies := reloaded.Zombies("acct-1")
	if len(zombies) != 1 {
		t.Fatalf("zombies = %d, want 1", len(zombies))
	}
	if zombies[0].ZombieReason != "price unavailable" || !zombies[0].ZombieAt.Equal(markedAt) {
		t.Fatalf("zombie fields lost: %+v", zombies[0])
	}
	if len(reloaded.Active("acct-1")) != 0 {
		t.Fatal("zombie must not appear in active list")
	}
}

func TestStoreActiveOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testDB(t))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, sym := range []string{"ETHUSDT", "BTCUSDT", "SOLUSDT"} {
		p := newTestPosition(t, 1, 100, nil)
		p.Symbol = sym
		p.EntryTime = base.Add(time.Duration(2-i) * time.Hour)
		if err := store.Save(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	active := store.Active("acct-1")
	if len(active) != 3 {
		t.Fatalf("active = %d, want 3", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].EntryTime.Before(active[i-1].EntryTime) {
			t.Fatal("active positions not ordered by entry time")
		}
	}
}

func TestStoreFindActiveBySymbol(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testDB(t))

	p := newTestPosition(t, 1, 100, nil)
	if err := store.Save(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.FindActiveBySymbol("acct-1", "BTCUSDT"); !ok {
		t.Fatal("expected to find active position")
	}
	if _, ok := store.FindActiveBySymbol("acct-1", "DOGEUSDT"); ok {
		t.Fatal("unexpected match")
	}
	if _, ok := store.FindActiveBySymbol("acct-2", "BTCUSDT"); ok {
		t.Fatal("cross-account match")
	}
}
