package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

// InMemory is a concurrency-safe Store for development and tests. Units of
// work run without holding the store lock; their writes are staged and the
// commit re-checks every version it based a write on, so two units racing on
// one wallet behave like two conditional updates in Postgres.
type InMemory struct {
	mu        sync.RWMutex
	wallets   map[string]wallet.Wallet
	owners    map[string]string
	transfers map[string]transfer.Transaction
	outbox    []*OutboxRecord
	outboxIdx map[string]*OutboxRecord
	now       func() time.Time
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		wallets:   make(map[string]wallet.Wallet),
		owners:    make(map[string]string),
		transfers: make(map[string]transfer.Transaction),
		outboxIdx: make(map[string]*OutboxRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) CreateWallet(_ context.Context, w wallet.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.ID]; exists {
		return errs.Errorf(errs.KindDuplicate, "ledger.CreateWallet", "wallet %s exists", w.ID)
	}
	if _, exists := s.owners[w.OwnerID]; exists {
		return errs.Errorf(errs.KindDuplicate, "ledger.CreateWallet", "owner %s already has a wallet", w.OwnerID)
	}
	s.wallets[w.ID] = w
	s.owners[w.OwnerID] = w.ID
	return nil
}

func (s *InMemory) GetWallet(_ context.Context, id string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return wallet.Wallet{}, errs.Errorf(errs.KindWalletNotFound, "ledger.GetWallet", "wallet %s", id)
	}
	return w, nil
}

func (s *InMemory) GetWalletByOwner(_ context.Context, ownerID string) (wallet.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[ownerID]
	if !ok {
		return wallet.Wallet{}, errs.Errorf(errs.KindWalletNotFound, "ledger.GetWalletByOwner", "owner %s", ownerID)
	}
	return s.wallets[id], nil
}

func (s *InMemory) GetTransfer(_ context.Context, id string) (transfer.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return transfer.Transaction{}, errs.Errorf(errs.KindTransactionNotFound, "ledger.GetTransfer", "transaction %s", id)
	}
	return t, nil
}

func (s *InMemory) StalePending(_ context.Context, before time.Time, limit int) ([]transfer.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []transfer.Transaction
	for _, t := range s.transfers {
		if t.Status == transfer.StatusPending && !t.AwaitsOperator() && t.UpdatedAt.Before(before) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

type stagedWallet struct {
	base int64
	w    wallet.Wallet
}

type stagedTransfer struct {
	base   int64
	insert bool
	t      transfer.Transaction
}

type memTx struct {
	s         *InMemory
	wallets   map[string]stagedWallet
	transfers map[string]stagedTransfer
	events    []events.Envelope
}

func (s *InMemory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		wallets:   make(map[string]stagedWallet),
		transfers: make(map[string]stagedTransfer),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.E(errs.KindInfrastructure, "ledger.InTx", err)
	}
	return s.commit(tx)
}

func (s *InMemory) commit(tx *memTx) error {
	const op = "ledger.commit"
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range tx.wallets {
		if cur, ok := s.wallets[id]; !ok || cur.Version != st.base {
			return errs.Errorf(errs.KindConcurrentModification, op, "wallet %s changed since read", id)
		}
	}
	for id, st := range tx.transfers {
		cur, exists := s.transfers[id]
		switch {
		case st.insert && exists:
			return errs.Errorf(errs.KindDuplicate, op, "transaction %s exists", id)
		case !st.insert && (!exists || cur.Version != st.base):
			return errs.Errorf(errs.KindConcurrentModification, op, "transaction %s changed since read", id)
		}
	}

	for id, st := range tx.wallets {
		s.wallets[id] = st.w
	}
	for id, st := range tx.transfers {
		s.transfers[id] = st.t
	}
	now := s.now()
	for _, env := range tx.events {
		rec := &OutboxRecord{Envelope: env, Status: OutboxPending, NextRunAt: now}
		s.outbox = append(s.outbox, rec)
		s.outboxIdx[env.ID] = rec
	}
	return nil
}

func (tx *memTx) Wallet(_ context.Context, id string) (wallet.Wallet, error) {
	if st, ok := tx.wallets[id]; ok {
		return st.w, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	w, ok := tx.s.wallets[id]
	if !ok {
		return wallet.Wallet{}, errs.Errorf(errs.KindWalletNotFound, "ledger.Wallet", "wallet %s", id)
	}
	return w, nil
}

func (tx *memTx) UpdateWallet(_ context.Context, w wallet.Wallet) error {
	const op = "ledger.UpdateWallet"
	base, current, err := tx.walletVersions(w.ID)
	if err != nil {
		return err
	}
	if w.Version != current {
		return errs.Errorf(errs.KindConcurrentModification, op, "wallet %s version %d, have %d", w.ID, current, w.Version)
	}
	if err := wallet.CheckInvariants(w); err != nil {
		return err
	}
	w.Version = current + 1
	w.UpdatedAt = tx.s.now()
	tx.wallets[w.ID] = stagedWallet{base: base, w: w}
	return nil
}

func (tx *memTx) walletVersions(id string) (base, current int64, err error) {
	if st, ok := tx.wallets[id]; ok {
		return st.base, st.w.Version, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	w, ok := tx.s.wallets[id]
	if !ok {
		return 0, 0, errs.Errorf(errs.KindWalletNotFound, "ledger.UpdateWallet", "wallet %s", id)
	}
	return w.Version, w.Version, nil
}

func (tx *memTx) Transfer(ctx context.Context, id string) (transfer.Transaction, error) {
	if st, ok := tx.transfers[id]; ok {
		return st.t, nil
	}
	return tx.s.GetTransfer(ctx, id)
}

func (tx *memTx) InsertTransfer(_ context.Context, t transfer.Transaction) error {
	const op = "ledger.InsertTransfer"
	if _, ok := tx.transfers[t.ID]; ok {
		return errs.Errorf(errs.KindDuplicate, op, "transaction %s exists", t.ID)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.transfers[t.ID]
	tx.s.mu.RUnlock()
	if exists {
		return errs.Errorf(errs.KindDuplicate, op, "transaction %s exists", t.ID)
	}
	t.Version = 0
	tx.transfers[t.ID] = stagedTransfer{insert: true, t: t}
	return nil
}

func (tx *memTx) UpdateTransfer(_ context.Context, t transfer.Transaction) error {
	const op = "ledger.UpdateTransfer"
	st, staged := tx.transfers[t.ID]
	if !staged {
		tx.s.mu.RLock()
		cur, ok := tx.s.transfers[t.ID]
		tx.s.mu.RUnlock()
		if !ok {
			return errs.Errorf(errs.KindTransactionNotFound, op, "transaction %s", t.ID)
		}
		st = stagedTransfer{base: cur.Version, t: cur}
	}
	if t.Version != st.t.Version {
		return errs.Errorf(errs.KindConcurrentModification, op, "transaction %s version %d, have %d", t.ID, st.t.Version, t.Version)
	}
	t.Version++
	st.t = t
	tx.transfers[t.ID] = st
	return nil
}

func (tx *memTx) Enqueue(_ context.Context, env events.Envelope) error {
	tx.events = append(tx.events, env)
	return nil
}

func (s *InMemory) ClaimOutbox(_ context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var claimed []OutboxRecord
	for _, rec := range s.outbox {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if rec.Status != OutboxPending || rec.NextRunAt.After(now) {
			continue
		}
		rec.NextRunAt = now.Add(lease)
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (s *InMemory) MarkPublished(_ context.Context, id string) error {
	return s.updateOutbox(id, func(rec *OutboxRecord) {
		rec.Status = OutboxPublished
	})
}

func (s *InMemory) Reschedule(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.updateOutbox(id, func(rec *OutboxRecord) {
		rec.Attempts = attempts
		rec.NextRunAt = next
		rec.LastError = lastErr
	})
}

func (s *InMemory) MarkDead(_ context.Context, id string, attempts int, lastErr string) error {
	return s.updateOutbox(id, func(rec *OutboxRecord) {
		rec.Status = OutboxDead
		rec.Attempts = attempts
		rec.LastError = lastErr
	})
}

func (s *InMemory) updateOutbox(id string, mutate func(*OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outboxIdx[id]
	if !ok {
		return errs.Errorf(errs.KindInternal, "ledger.outbox", "outbox row %s not found", id)
	}
	mutate(rec)
	return nil
}

// OutboxSnapshot returns a copy of every outbox row in commit order.
func (s *InMemory) OutboxSnapshot() []OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxRecord, 0, len(s.outbox))
	for _, rec := range s.outbox {
		out = append(out, *rec)
	}
	return out
}
