// Command sweep is the management entry point of the settlement engine.
// It triggers a dividend sweep (once or on a schedule) and can re-submit
// failed orders at current prices.
//
// Usage:
//
//	sweep --config config.yaml
//	sweep --config config.yaml --daemon
//	sweep --config config.yaml --retry-failed --quotes quotes.yaml
//
// The process exits non-zero only on fatal configuration errors; per-item
// failures are reported in the printed summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/papertrade/settlement/config"
	"github.com/papertrade/settlement/internal/audit"
	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/notify"
	"github.com/papertrade/settlement/internal/services/dividends"
	"github.com/papertrade/settlement/internal/services/holdings"
	"github.com/papertrade/settlement/internal/services/orders"
	"github.com/papertrade/settlement/internal/services/pricer"
	"github.com/papertrade/settlement/internal/services/wallet"
	"github.com/papertrade/settlement/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	daemon := flag.Bool("daemon", false, "keep sweeping on the configured interval")
	retryFailed := flag.Bool("retry-failed", false, "re-submit FAILED orders as new orders at current prices")
	quotesPath := flag.String("quotes", "", "yaml file with instrument quotes (required for --retry-failed)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *retryFailed && *quotesPath == "" {
		log.Fatal("--retry-failed requires --quotes")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	journal, err := audit.NewJournal(cfg.AuditDir, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer journal.Close()

	locks := locker.New(cfg.LockTimeout)
	notifier := notify.NewLog(logger)
	ledger := wallet.NewLedger(logger, journal)
	book := holdings.NewBook(logger, journal)
	distributor := dividends.NewDistributor(st, locks, ledger, book, notifier, journal, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *retryFailed {
		quotes, err := loadQuotes(*quotesPath)
		if err != nil {
			log.Fatal(err)
		}
		processor := orders.NewProcessor(st, locks, ledger, book,
			pricer.NewStatic(quotes), notifier, journal, logger)
		resubmitFailed(ctx, st, processor, logger)
	}

	if *daemon {
		scheduler := dividends.NewScheduler(distributor, cfg.SweepInterval, logger)
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", zap.Error(err))
		}
		return
	}

	summary, err := distributor.Sweep(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("sweep aborted", zap.Error(err))
		fmt.Println("sweep aborted:", err)
		return
	}
	fmt.Printf("sweep done: events=%d paid=%d failed=%d skipped=%d\n",
		summary.Events, summary.Paid, summary.Failed, summary.Skipped)
}

// resubmitFailed creates fresh orders for every FAILED one. Failed orders
// are never re-executed; each retry is a new order at the current quote.
func resubmitFailed(ctx context.Context, st store.Store, processor *orders.Processor, logger *zap.Logger) {
	var failed []*domain.Order
	if err := st.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		failed, err = tx.Orders().ListByStatus(domain.StatusFailed)
		return err
	}); err != nil {
		logger.Error("list failed orders", zap.Error(err))
		fmt.Println("retry-failed aborted:", err)
		return
	}

	resubmitted, stillFailed := 0, 0
	for _, old := range failed {
		o, err := processor.Submit(ctx, old.UserID, old.Instrument, old.Side, old.Quantity)
		if err != nil {
			stillFailed++
			logger.Warn("re-submit rejected",
				zap.String("original_order_id", old.ID), zap.Error(err))
			continue
		}
		if o.Status == domain.StatusCompleted {
			resubmitted++
		} else {
			stillFailed++
		}
	}
	fmt.Printf("retry-failed done: attempted=%d completed=%d failed=%d\n",
		len(failed), resubmitted, stillFailed)
}

func loadQuotes(path string) (map[string]decimal.Decimal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table map[string]string
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, err
	}
	quotes := make(map[string]decimal.Decimal, len(table))
	for instrument, price := range table {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("quote for %s: %w", instrument, err)
		}
		quotes[instrument] = d
	}
	return quotes, nil
}
