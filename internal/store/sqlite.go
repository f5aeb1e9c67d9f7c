package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/papertrade/settlement/internal/domain"
)

// Fixed-width nanoseconds keep stored timestamps lexicographically ordered,
// which the pay_date comparison in DueEvents relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the durable Store implementation. Transactions begin in immediate
// mode so the write lock is taken up front, matching the locked mutate-and-
// ledger pattern of the services.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// WAL mode keeps readers unblocked during sweeps
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "schema migration")
	}
	return &SQLite{db: db}, nil
}

// WithinTx implements Store.
func (s *SQLite) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Wallets() WalletRepo     { return (*sqlWallets)(t) }
func (t *sqlTx) Holdings() HoldingRepo   { return (*sqlHoldings)(t) }
func (t *sqlTx) Ledger() LedgerRepo      { return (*sqlLedger)(t) }
func (t *sqlTx) Orders() OrderRepo       { return (*sqlOrders)(t) }
func (t *sqlTx) Dividends() DividendRepo { return (*sqlDividends)(t) }

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type sqlWallets sqlTx

func (r *sqlWallets) Get(userID string) (*domain.Wallet, error) {
	row := r.tx.QueryRowContext(r.ctx, `
		SELECT user_id, balance, currency, total_deposited, total_withdrawn, updated_at
		FROM wallets WHERE user_id = ?`, userID)

	var w domain.Wallet
	var balance, deposited, withdrawn, updated string
	err := row.Scan(&w.UserID, &balance, &w.Currency, &deposited, &withdrawn, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrWalletNotFound, "user %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan wallet")
	}
	if w.Balance, err = parseDecimal(balance); err != nil {
		return nil, errors.Wrap(err, "decode balance")
	}
	if w.TotalDeposited, err = parseDecimal(deposited); err != nil {
		return nil, errors.Wrap(err, "decode total_deposited")
	}
	if w.TotalWithdrawn, err = parseDecimal(withdrawn); err != nil {
		return nil, errors.Wrap(err, "decode total_withdrawn")
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, errors.Wrap(err, "decode updated_at")
	}
	return &w, nil
}

func (r *sqlWallets) Create(w *domain.Wallet) error {
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO wallets (user_id, balance, currency, total_deposited, total_withdrawn, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.UserID, w.Balance.String(), w.Currency,
		w.TotalDeposited.String(), w.TotalWithdrawn.String(),
		w.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		var exists int
		if r.tx.QueryRowContext(r.ctx,
			`SELECT COUNT(1) FROM wallets WHERE user_id = ?`, w.UserID).Scan(&exists) == nil && exists > 0 {
			return errors.Wrapf(domain.ErrWalletExists, "user %s", w.UserID)
		}
		return errors.Wrap(err, "insert wallet")
	}
	return nil
}

func (r *sqlWallets) Update(w *domain.Wallet) error {
	res, err := r.tx.ExecContext(r.ctx, `
		UPDATE wallets
		SET balance = ?, total_deposited = ?, total_withdrawn = ?, updated_at = ?
		WHERE user_id = ?`,
		w.Balance.String(), w.TotalDeposited.String(), w.TotalWithdrawn.String(),
		w.UpdatedAt.UTC().Format(timeLayout), w.UserID)
	if err != nil {
		return errors.Wrap(err, "update wallet")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrWalletNotFound, "user %s", w.UserID)
	}
	return nil
}

type sqlHoldings sqlTx

func (r *sqlHoldings) Get(userID, instrument string) (*domain.Holding, error) {
	row := r.tx.QueryRowContext(r.ctx, `
		SELECT user_id, instrument, quantity, avg_cost, total_invested
		FROM holdings WHERE user_id = ? AND instrument = ?`, userID, instrument)

	h, err := scanHolding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHolding(row rowScanner) (*domain.Holding, error) {
	var h domain.Holding
	var avgCost, invested string
	if err := row.Scan(&h.UserID, &h.Instrument, &h.Quantity, &avgCost, &invested); err != nil {
		return nil, err
	}
	var err error
	if h.AvgCost, err = parseDecimal(avgCost); err != nil {
		return nil, errors.Wrap(err, "decode avg_cost")
	}
	if h.TotalInvested, err = parseDecimal(invested); err != nil {
		return nil, errors.Wrap(err, "decode total_invested")
	}
	return &h, nil
}

func (r *sqlHoldings) Upsert(h *domain.Holding) error {
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO holdings (user_id, instrument, quantity, avg_cost, total_invested)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, instrument) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			total_invested = excluded.total_invested`,
		h.UserID, h.Instrument, h.Quantity, h.AvgCost.String(), h.TotalInvested.String())
	return errors.Wrap(err, "upsert holding")
}

func (r *sqlHoldings) Delete(userID, instrument string) error {
	_, err := r.tx.ExecContext(r.ctx,
		`DELETE FROM holdings WHERE user_id = ? AND instrument = ?`, userID, instrument)
	return errors.Wrap(err, "delete holding")
}

func (r *sqlHoldings) ListByInstrument(instrument string) ([]*domain.Holding, error) {
	return r.list(`SELECT user_id, instrument, quantity, avg_cost, total_invested
		FROM holdings WHERE instrument = ? ORDER BY user_id`, instrument)
}

func (r *sqlHoldings) ListByUser(userID string) ([]*domain.Holding, error) {
	return r.list(`SELECT user_id, instrument, quantity, avg_cost, total_invested
		FROM holdings WHERE user_id = ? ORDER BY instrument`, userID)
}

func (r *sqlHoldings) list(query string, arg any) ([]*domain.Holding, error) {
	rows, err := r.tx.QueryContext(r.ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query holdings")
	}
	defer rows.Close()

	var out []*domain.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan holding")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type sqlLedger sqlTx

func (r *sqlLedger) Append(e *domain.LedgerEntry) error {
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO ledger_entries
			(id, seq, user_id, type, order_id, instrument, amount,
			 balance_before, balance_after, description, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_entries), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Type), e.OrderID, e.Instrument,
		e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.Description, e.CreatedAt.UTC().Format(timeLayout))
	return errors.Wrap(err, "append ledger entry")
}

func (r *sqlLedger) ListByUser(userID string) ([]*domain.LedgerEntry, error) {
	rows, err := r.tx.QueryContext(r.ctx, `
		SELECT id, user_id, type, order_id, instrument, amount,
		       balance_before, balance_after, description, created_at
		FROM ledger_entries WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger")
	}
	defer rows.Close()

	var out []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var typ, amount, before, after, created string
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.OrderID, &e.Instrument,
			&amount, &before, &after, &e.Description, &created); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		e.Type = domain.EntryType(typ)
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, errors.Wrap(err, "decode amount")
		}
		if e.BalanceBefore, err = parseDecimal(before); err != nil {
			return nil, errors.Wrap(err, "decode balance_before")
		}
		if e.BalanceAfter, err = parseDecimal(after); err != nil {
			return nil, errors.Wrap(err, "decode balance_after")
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, errors.Wrap(err, "decode created_at")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type sqlOrders sqlTx

func (r *sqlOrders) Create(o *domain.Order) error {
	var realized, executed any
	if o.RealizedPnL != nil {
		realized = o.RealizedPnL.String()
	}
	if o.ExecutedAt != nil {
		executed = o.ExecutedAt.UTC().Format(timeLayout)
	}
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO orders
			(id, user_id, instrument, side, quantity, price, commission, total,
			 status, failure_reason, realized_pnl, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Instrument, string(o.Side), o.Quantity,
		o.Price.String(), o.Commission.String(), o.Total.String(),
		string(o.Status), o.FailureReason, realized,
		o.CreatedAt.UTC().Format(timeLayout), executed)
	return errors.Wrap(err, "insert order")
}

func (r *sqlOrders) Get(id string) (*domain.Order, error) {
	row := r.tx.QueryRowContext(r.ctx, `
		SELECT id, user_id, instrument, side, quantity, price, commission, total,
		       status, failure_reason, realized_pnl, created_at, executed_at
		FROM orders WHERE id = ?`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", id)
	}
	return o, err
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, status, price, commission, total, created string
	var realized, executed sql.NullString
	if err := row.Scan(&o.ID, &o.UserID, &o.Instrument, &side, &o.Quantity,
		&price, &commission, &total, &status, &o.FailureReason,
		&realized, &created, &executed); err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)

	var err error
	if o.Price, err = parseDecimal(price); err != nil {
		return nil, errors.Wrap(err, "decode price")
	}
	if o.Commission, err = parseDecimal(commission); err != nil {
		return nil, errors.Wrap(err, "decode commission")
	}
	if o.Total, err = parseDecimal(total); err != nil {
		return nil, errors.Wrap(err, "decode total")
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return nil, errors.Wrap(err, "decode created_at")
	}
	if realized.Valid {
		d, err := parseDecimal(realized.String)
		if err != nil {
			return nil, errors.Wrap(err, "decode realized_pnl")
		}
		o.RealizedPnL = &d
	}
	if executed.Valid {
		t, err := parseTime(executed.String)
		if err != nil {
			return nil, errors.Wrap(err, "decode executed_at")
		}
		o.ExecutedAt = &t
	}
	return &o, nil
}

func (r *sqlOrders) Update(o *domain.Order) error {
	var realized, executed any
	if o.RealizedPnL != nil {
		realized = o.RealizedPnL.String()
	}
	if o.ExecutedAt != nil {
		executed = o.ExecutedAt.UTC().Format(timeLayout)
	}
	res, err := r.tx.ExecContext(r.ctx, `
		UPDATE orders
		SET price = ?, commission = ?, total = ?, status = ?,
		    failure_reason = ?, realized_pnl = ?, executed_at = ?
		WHERE id = ?`,
		o.Price.String(), o.Commission.String(), o.Total.String(), string(o.Status),
		o.FailureReason, realized, executed, o.ID)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrOrderNotFound, "order %s", o.ID)
	}
	return nil
}

func (r *sqlOrders) ListByStatus(status domain.OrderStatus) ([]*domain.Order, error) {
	rows, err := r.tx.QueryContext(r.ctx, `
		SELECT id, user_id, instrument, side, quantity, price, commission, total,
		       status, failure_reason, realized_pnl, created_at, executed_at
		FROM orders WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type sqlDividends sqlTx

func (r *sqlDividends) CreateEvent(ev *domain.DividendEvent) error {
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO dividend_events (id, instrument, per_unit, ex_date, record_date, pay_date, distributed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Instrument, ev.PerUnit.String(),
		ev.ExDate.UTC().Format(timeLayout),
		ev.RecordDate.UTC().Format(timeLayout),
		ev.PayDate.UTC().Format(timeLayout),
		boolToInt(ev.Distributed))
	return errors.Wrap(err, "insert dividend event")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *sqlDividends) DueEvents(now time.Time) ([]*domain.DividendEvent, error) {
	rows, err := r.tx.QueryContext(r.ctx, `
		SELECT id, instrument, per_unit, ex_date, record_date, pay_date, distributed
		FROM dividend_events
		WHERE distributed = 0 AND pay_date <= ?
		ORDER BY pay_date`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "query dividend events")
	}
	defer rows.Close()

	var out []*domain.DividendEvent
	for rows.Next() {
		var ev domain.DividendEvent
		var perUnit, exDate, recordDate, payDate string
		var distributed int
		if err := rows.Scan(&ev.ID, &ev.Instrument, &perUnit,
			&exDate, &recordDate, &payDate, &distributed); err != nil {
			return nil, errors.Wrap(err, "scan dividend event")
		}
		if ev.PerUnit, err = parseDecimal(perUnit); err != nil {
			return nil, errors.Wrap(err, "decode per_unit")
		}
		if ev.ExDate, err = parseTime(exDate); err != nil {
			return nil, errors.Wrap(err, "decode ex_date")
		}
		if ev.RecordDate, err = parseTime(recordDate); err != nil {
			return nil, errors.Wrap(err, "decode record_date")
		}
		if ev.PayDate, err = parseTime(payDate); err != nil {
			return nil, errors.Wrap(err, "decode pay_date")
		}
		ev.Distributed = distributed != 0
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (r *sqlDividends) MarkDistributed(eventID string) error {
	res, err := r.tx.ExecContext(r.ctx,
		`UPDATE dividend_events SET distributed = 1 WHERE id = ?`, eventID)
	if err != nil {
		return errors.Wrap(err, "mark distributed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("dividend event %s not found", eventID)
	}
	return nil
}

func (r *sqlDividends) CreatePayment(p *domain.DividendPayment) error {
	_, err := r.tx.ExecContext(r.ctx, `
		INSERT INTO dividend_payments
			(id, event_id, user_id, instrument, units, amount, ledger_entry_id, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EventID, p.UserID, p.Instrument, p.Units,
		p.Amount.String(), p.LedgerEntryID, p.PaidAt.UTC().Format(timeLayout))
	return errors.Wrap(err, "insert dividend payment")
}

func (r *sqlDividends) PaymentExists(eventID, userID string) (bool, error) {
	var n int
	err := r.tx.QueryRowContext(r.ctx,
		`SELECT COUNT(1) FROM dividend_payments WHERE event_id = ? AND user_id = ?`,
		eventID, userID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "query dividend payment")
	}
	return n > 0, nil
}

func (r *sqlDividends) ListPayments(eventID string) ([]*domain.DividendPayment, error) {
	rows, err := r.tx.QueryContext(r.ctx, `
		SELECT id, event_id, user_id, instrument, units, amount, ledger_entry_id, paid_at
		FROM dividend_payments WHERE event_id = ? ORDER BY user_id`, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "query dividend payments")
	}
	defer rows.Close()

	var out []*domain.DividendPayment
	for rows.Next() {
		var p domain.DividendPayment
		var amount, paidAt string
		if err := rows.Scan(&p.ID, &p.EventID, &p.UserID, &p.Instrument,
			&p.Units, &amount, &p.LedgerEntryID, &paidAt); err != nil {
			return nil, errors.Wrap(err, "scan dividend payment")
		}
		if p.Amount, err = parseDecimal(amount); err != nil {
			return nil, errors.Wrap(err, "decode amount")
		}
		if p.PaidAt, err = parseTime(paidAt); err != nil {
			return nil, errors.Wrap(err, "decode paid_at")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
