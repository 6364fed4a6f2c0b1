package journal

import (
    "context"
    "strings"
    "sync"
    "time"
)

// MemoryStore keeps matches in process memory; used when no Redis is configured.
type MemoryStore struct {
    mu sync.RWMutex

    records map[string]*Record
    moves   map[string][]MoveEntry
    txs     map[string]map[string]struct{}

    now func() time.Time
}

func NewMemoryStore() *MemoryStore {
    return &MemoryStore{
        records: make(map[string]*Record),
        moves:   make(map[string][]MoveEntry),
        txs:     make(map[string]map[string]struct{}),
        now:     time.Now,
    }
}

func (m *MemoryStore) Begin(_ context.Context, rec *Record) error {
    if rec == nil || strings.TrimSpace(rec.SessionID) == "" {
        return ErrInvalidArgs
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, exists := m.records[rec.SessionID]; exists {
        return ErrExists
    }
    cp := *rec
    now := m.now()
    if cp.CreatedAt.IsZero() {
        cp.CreatedAt = now
    }
    cp.UpdatedAt = now
    m.records[rec.SessionID] = &cp
    m.txs[rec.SessionID] = make(map[string]struct{})
    return nil
}

func (m *MemoryStore) ClaimTx(_ context.Context, sessionID, txID string) (bool, error) {
    if sessionID == "" || txID == "" {
        return false, ErrInvalidArgs
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    set, ok := m.txs[sessionID]
    if !ok {
        set = make(map[string]struct{})
        m.txs[sessionID] = set
    }
    if _, seen := set[txID]; seen {
        return false, nil
    }
    set[txID] = struct{}{}
    return true, nil
}

func (m *MemoryStore) AppendMove(_ context.Context, sessionID string, mv MoveEntry) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.records[sessionID]; !ok {
        return ErrNotFound
    }
    m.moves[sessionID] = append(m.moves[sessionID], mv)
    return nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, sessionID string, board []byte, plies int, lastTx string) error {
    return m.Update(ctx, sessionID, func(r *Record) {
        r.Board = append([]byte(nil), board...)
        r.Plies = plies
        r.LastTx = lastTx
    })
}

func (m *MemoryStore) Update(_ context.Context, sessionID string, fn func(*Record)) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    r, ok := m.records[sessionID]
    if !ok {
        return ErrNotFound
    }
    fn(r)
    r.UpdatedAt = m.now()
    return nil
}

func (m *MemoryStore) Finish(ctx context.Context, sessionID string, state State, winner, reason string) error {
    return m.Update(ctx, sessionID, func(r *Record) {
        r.State = state
        r.Winner = winner
        r.Reason = reason
    })
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Record, []MoveEntry, error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    r, ok := m.records[sessionID]
    if !ok {
        return nil, nil, nil
    }
    cp := *r
    return &cp, append([]MoveEntry(nil), m.moves[sessionID]...), nil
}
