package poller

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// accountGates bounds how many of one account's tasks may be polled at the
// same time. Gates are created on first use and dropped once the last poll
// for the account releases, so the map does not grow with the account table.
type accountGates struct {
	capacity int64

	mu    sync.Mutex
	gates map[uuid.UUID]*gate
}

type gate struct {
	sem  *semaphore.Weighted
	refs int
}

func newAccountGates(capacity int) *accountGates {
	if capacity < 1 {
		capacity = 1
	}
	return &accountGates{
		capacity: int64(capacity),
		gates:    make(map[uuid.UUID]*gate),
	}
}

func (g *accountGates) acquire(ctx context.Context, accountID uuid.UUID) error {
	g.mu.Lock()
	entry, ok := g.gates[accountID]
	if !ok {
		entry = &gate{sem: semaphore.NewWeighted(g.capacity)}
		g.gates[accountID] = entry
	}
	entry.refs++
	g.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		g.drop(accountID, entry)
		return err
	}
	return nil
}

func (g *accountGates) release(accountID uuid.UUID) {
	g.mu.Lock()
	entry, ok := g.gates[accountID]
	g.mu.Unlock()
	if !ok {
		return
	}
	entry.sem.Release(1)
	g.drop(accountID, entry)
}

func (g *accountGates) drop(accountID uuid.UUID, entry *gate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(g.gates, accountID)
	}
}
