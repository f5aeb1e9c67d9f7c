package dividends

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/services/holdings"
	"github.com/papertrade/settlement/internal/services/wallet"
	"github.com/papertrade/settlement/internal/store"
)

type fixture struct {
	store       *store.Memory
	ledger      *wallet.Ledger
	book        *holdings.Book
	distributor *Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		ledger: wallet.NewLedger(zap.NewNop(), nil),
		book:   holdings.NewBook(zap.NewNop(), nil),
	}
	f.distributor = NewDistributor(f.store, locker.New(time.Second), f.ledger, f.book,
		nil, nil, zap.NewNop())
	return f
}

// holder creates a funded wallet and a holding of qty units.
func (f *fixture) holder(t *testing.T, userID, instrument string, qty int64) {
	t.Helper()
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		if _, err := f.ledger.Create(tx, userID, decimal.NewFromInt(1000), "USD"); err != nil {
			return err
		}
		_, err := f.book.ApplyBuy(tx, userID, instrument, qty, decimal.NewFromInt(10))
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	var out decimal.Decimal
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = f.ledger.Balance(tx, userID)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestDistributor_SweepPaysAllHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	f.holder(t, "u2", "AAPL", 4)

	_, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now.AddDate(0, 0, -3), now.AddDate(0, 0, -2), now.AddDate(0, 0, -1))
	require.NoError(t, err)

	summary, err := f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events)
	assert.Equal(t, 2, summary.Paid)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)

	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(1005)))
	assert.True(t, f.balance(t, "u2").Equal(decimal.NewFromInt(1002)))

	// ledger carries a DIVIDEND entry backed by the payment record
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		entries, err := tx.Ledger().ListByUser("u1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.EntryDividend, entries[0].Type)
		assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(5)))
		return nil
	})
	require.NoError(t, err)
}

func TestDistributor_EventNotDueNotPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	_, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, 7))
	require.NoError(t, err)

	summary, err := f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Events)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(1000)))
}

func TestDistributor_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// 100 holders with varying quantities; one has no wallet, so its
	// credit fails inside the atomic unit
	for i := 1; i <= 99; i++ {
		f.holder(t, fmt.Sprintf("u%03d", i), "AAPL", int64(i))
	}
	err := f.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := f.book.ApplyBuy(tx, "broken", "AAPL", 10, decimal.NewFromInt(10))
		return err
	})
	require.NoError(t, err)

	ev, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	summary, err := f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 99, summary.Paid)
	assert.Equal(t, 1, summary.Failed)

	// holders were paid per-unit amounts despite the failure
	assert.True(t, f.balance(t, "u005").Equal(decimal.NewFromFloat(1002.50)))
	assert.True(t, f.balance(t, "u099").Equal(decimal.NewFromFloat(1049.50)))

	// event stays undistributed so a later sweep can retry the unpaid holder
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		due, err := tx.Dividends().DueEvents(now)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, ev.ID, due[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestDistributor_RetrySweepPaysOnlyUnpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	err := f.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := f.book.ApplyBuy(tx, "broken", "AAPL", 6, decimal.NewFromInt(10))
		return err
	})
	require.NoError(t, err)

	_, err = f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	summary, err := f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 1, summary.Failed)

	// give the broken holder a wallet and retry: u1 is skipped, not re-paid
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := f.ledger.Create(tx, "broken", decimal.NewFromInt(1000), "USD")
		return err
	})
	require.NoError(t, err)

	summary, err = f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)

	// paid exactly once
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(1005)))
	assert.True(t, f.balance(t, "broken").Equal(decimal.NewFromInt(1003)))

	// fully distributed now: nothing due on the next sweep
	summary, err = f.distributor.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Events)
}

func TestDistributor_PayHolderIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	ev, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	h := &domain.Holding{UserID: "u1", Instrument: "AAPL", Quantity: 10}
	require.NoError(t, f.distributor.payHolder(ctx, ev, h))
	assert.ErrorIs(t, f.distributor.payHolder(ctx, ev, h), errAlreadyPaid)

	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(1005)))
}

func TestDistributor_PayHolderUsesCurrentQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	ev, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	// a sell commits after the holder was enumerated with 10 units
	stale := &domain.Holding{UserID: "u1", Instrument: "AAPL", Quantity: 10}
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := f.book.ApplySell(tx, "u1", "AAPL", 6, decimal.NewFromInt(12))
		return err
	})
	require.NoError(t, err)

	require.NoError(t, f.distributor.payHolder(ctx, ev, stale))

	// paid on the 4 units held at payment time, not the stale 10
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		payments, err := tx.Dividends().ListPayments(ev.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Equal(t, int64(4), payments[0].Units)
		assert.True(t, payments[0].Amount.Equal(decimal.NewFromInt(2)))
		return nil
	})
	require.NoError(t, err)
}

func TestDistributor_SoldOutHolderSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 10)
	ev, err := f.distributor.Schedule(ctx, "AAPL", decimal.NewFromFloat(0.50),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	stale := &domain.Holding{UserID: "u1", Instrument: "AAPL", Quantity: 10}
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := f.book.ApplySell(tx, "u1", "AAPL", 10, decimal.NewFromInt(12))
		return err
	})
	require.NoError(t, err)
	balanceAfterSell := f.balance(t, "u1")

	assert.ErrorIs(t, f.distributor.payHolder(ctx, ev, stale), errNotHolder)

	// no payment, no credit
	assert.True(t, f.balance(t, "u1").Equal(balanceAfterSell))
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		payments, err := tx.Dividends().ListPayments(ev.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
		return nil
	})
	require.NoError(t, err)
}

func TestDistributor_ScheduleRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	_, err := f.distributor.Schedule(context.Background(), "AAPL", decimal.Zero, now, now, now)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestScheduler_RunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	f.holder(t, "u1", "AAPL", 2)
	_, err := f.distributor.Schedule(context.Background(), "AAPL", decimal.NewFromFloat(0.25),
		now, now, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	s := NewScheduler(f.distributor, 50*time.Millisecond, zap.NewNop())
	err = s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the immediate first sweep paid the holder
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromFloat(1000.50)))
}
