package tui

import (
	"time"

	"github.com/inklet/inklet/pkg/health"
	"github.com/inklet/inklet/pkg/receipt"
	"github.com/inklet/inklet/pkg/record"
)

// Sources names the on-disk state the dashboard reads. The dashboard opens
// the stores fresh on every refresh so it can run beside a live gateway
// process without holding anything open.
type Sources struct {
	RecordsPath string
	LedgerPath  string
	StaleAfter  time.Duration
}

const receiptWindow = 15

// Snapshot is one consistent read of the pipeline state.
type Snapshot struct {
	Report      *health.Report
	Receipts    []receipt.Receipt
	Stuck       []*record.Record
	CollectedAt time.Time
}

func collectSnapshot(src Sources) (Snapshot, error) {
	records, err := record.Open(src.RecordsPath)
	if err != nil {
		return Snapshot{}, err
	}
	defer records.Close()

	ledger, err := receipt.NewLedger(src.LedgerPath)
	if err != nil {
		return Snapshot{}, err
	}

	report, err := health.NewChecker(records, ledger).WithStaleAfter(src.StaleAfter).Check()
	if err != nil {
		return Snapshot{}, err
	}

	receipts, err := ledger.Tail(receiptWindow)
	if err != nil {
		return Snapshot{}, err
	}

	stuck, err := records.StuckExecuting(src.StaleAfter)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Report:      report,
		Receipts:    receipts,
		Stuck:       stuck,
		CollectedAt: time.Now(),
	}, nil
}
