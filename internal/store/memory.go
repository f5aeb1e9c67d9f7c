package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/papertrade/settlement/internal/domain"
)

// Memory is a fully in-memory Store used in tests and simulation runs.
// WithinTx stages every mutation on a deep copy of the state and swaps it in
// on commit, so a failed transaction leaves no trace.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	wallets  map[string]*domain.Wallet
	holdings map[string]*domain.Holding
	ledger   map[string][]*domain.LedgerEntry
	orders   map[string]*domain.Order
	events   map[string]*domain.DividendEvent
	payments map[string]*domain.DividendPayment
	seq      uint64
}

func holdingKey(userID, instrument string) string { return userID + "|" + instrument }
func paymentKey(eventID, userID string) string    { return eventID + "|" + userID }

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		wallets:  make(map[string]*domain.Wallet),
		holdings: make(map[string]*domain.Holding),
		ledger:   make(map[string][]*domain.LedgerEntry),
		orders:   make(map[string]*domain.Order),
		events:   make(map[string]*domain.DividendEvent),
		payments: make(map[string]*domain.DividendPayment),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.seq = s.seq
	for k, w := range s.wallets {
		c.wallets[k] = w.Clone()
	}
	for k, h := range s.holdings {
		c.holdings[k] = h.Clone()
	}
	for k, entries := range s.ledger {
		cp := make([]*domain.LedgerEntry, len(entries))
		for i, e := range entries {
			ec := *e
			cp[i] = &ec
		}
		c.ledger[k] = cp
	}
	for k, o := range s.orders {
		c.orders[k] = o.Clone()
	}
	for k, ev := range s.events {
		evc := *ev
		c.events[k] = &evc
	}
	for k, p := range s.payments {
		pc := *p
		c.payments[k] = &pc
	}
	return c
}

// WithinTx implements Store. Transactions are serialized; concurrency control
// over shared rows belongs to the locker, not the store.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

type memTx struct {
	state *memState
}

func (t *memTx) Wallets() WalletRepo     { return (*memWallets)(t) }
func (t *memTx) Holdings() HoldingRepo   { return (*memHoldings)(t) }
func (t *memTx) Ledger() LedgerRepo      { return (*memLedger)(t) }
func (t *memTx) Orders() OrderRepo       { return (*memOrders)(t) }
func (t *memTx) Dividends() DividendRepo { return (*memDividends)(t) }

type memWallets memTx

func (r *memWallets) Get(userID string) (*domain.Wallet, error) {
	w, ok := r.state.wallets[userID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrWalletNotFound, "user %s", userID)
	}
	return w.Clone(), nil
}

func (r *memWallets) Create(w *domain.Wallet) error {
	if _, ok := r.state.wallets[w.UserID]; ok {
		return errors.Wrapf(domain.ErrWalletExists, "user %s", w.UserID)
	}
	r.state.wallets[w.UserID] = w.Clone()
	return nil
}

func (r *memWallets) Update(w *domain.Wallet) error {
	if _, ok := r.state.wallets[w.UserID]; !ok {
		return errors.Wrapf(domain.ErrWalletNotFound, "user %s", w.UserID)
	}
	r.state.wallets[w.UserID] = w.Clone()
	return nil
}

type memHoldings memTx

func (r *memHoldings) Get(userID, instrument string) (*domain.Holding, error) {
	h, ok := r.state.holdings[holdingKey(userID, instrument)]
	if !ok {
		return nil, nil
	}
	return h.Clone(), nil
}

func (r *memHoldings) Upsert(h *domain.Holding) error {
	r.state.holdings[holdingKey(h.UserID, h.Instrument)] = h.Clone()
	return nil
}

func (r *memHoldings) Delete(userID, instrument string) error {
	delete(r.state.holdings, holdingKey(userID, instrument))
	return nil
}

func (r *memHoldings) ListByInstrument(instrument string) ([]*domain.Holding, error) {
	var out []*domain.Holding
	for _, h := range r.state.holdings {
		if h.Instrument == instrument {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *memHoldings) ListByUser(userID string) ([]*domain.Holding, error) {
	var out []*domain.Holding
	for _, h := range r.state.holdings {
		if h.UserID == userID {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

type memLedger memTx

func (r *memLedger) Append(e *domain.LedgerEntry) error {
	ec := *e
	r.state.seq++
	r.state.ledger[e.UserID] = append(r.state.ledger[e.UserID], &ec)
	return nil
}

func (r *memLedger) ListByUser(userID string) ([]*domain.LedgerEntry, error) {
	entries := r.state.ledger[userID]
	out := make([]*domain.LedgerEntry, len(entries))
	for i, e := range entries {
		ec := *e
		out[i] = &ec
	}
	return out, nil
}

type memOrders memTx

func (r *memOrders) Create(o *domain.Order) error {
	r.state.orders[o.ID] = o.Clone()
	return nil
}

func (r *memOrders) Get(id string) (*domain.Order, error) {
	o, ok := r.state.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", id)
	}
	return o.Clone(), nil
}

func (r *memOrders) Update(o *domain.Order) error {
	if _, ok := r.state.orders[o.ID]; !ok {
		return errors.Wrapf(domain.ErrOrderNotFound, "order %s", o.ID)
	}
	r.state.orders[o.ID] = o.Clone()
	return nil
}

func (r *memOrders) ListByStatus(status domain.OrderStatus) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range r.state.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memDividends memTx

func (r *memDividends) CreateEvent(ev *domain.DividendEvent) error {
	evc := *ev
	r.state.events[ev.ID] = &evc
	return nil
}

func (r *memDividends) DueEvents(now time.Time) ([]*domain.DividendEvent, error) {
	var out []*domain.DividendEvent
	for _, ev := range r.state.events {
		if ev.Due(now) {
			evc := *ev
			out = append(out, &evc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayDate.Before(out[j].PayDate) })
	return out, nil
}

func (r *memDividends) MarkDistributed(eventID string) error {
	ev, ok := r.state.events[eventID]
	if !ok {
		return errors.Errorf("dividend event %s not found", eventID)
	}
	ev.Distributed = true
	return nil
}

func (r *memDividends) CreatePayment(p *domain.DividendPayment) error {
	pc := *p
	r.state.payments[paymentKey(p.EventID, p.UserID)] = &pc
	return nil
}

func (r *memDividends) PaymentExists(eventID, userID string) (bool, error) {
	_, ok := r.state.payments[paymentKey(eventID, userID)]
	return ok, nil
}

func (r *memDividends) ListPayments(eventID string) ([]*domain.DividendPayment, error) {
	var out []*domain.DividendPayment
	for _, p := range r.state.payments {
		if p.EventID == eventID {
			pc := *p
			out = append(out, &pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
