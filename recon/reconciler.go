package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"surveyrewards/core/ledger"
)

// Anomaly types flagged by the reconciler.
const (
	AnomalyMissingReceipt = "missing_receipt"
	AnomalyOrphanReceipt  = "orphan_receipt"
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyCountMismatch  = "count_mismatch"
)

// Receipt is the disbursement record the reconciler joins against ledger
// participation marks.
type Receipt struct {
	SurveyID  uint64
	UserID    string
	Amount    string
	TxRef     string
	CreatedAt time.Time
}

// ReceiptSource supplies recorded disbursement receipts.
type ReceiptSource interface {
	ClaimReceipts(ctx context.Context) ([]Receipt, error)
}

// ReceiptSourceFunc adapts a function to the ReceiptSource interface.
type ReceiptSourceFunc func(ctx context.Context) ([]Receipt, error)

// ClaimReceipts implements ReceiptSource.
func (f ReceiptSourceFunc) ClaimReceipts(ctx context.Context) ([]Receipt, error) {
	return f(ctx)
}

// LedgerSource exposes the ledger state the reconciler reads. The storage
// State satisfies it.
type LedgerSource interface {
	Surveys() ([]*ledger.Survey, error)
	Participants(surveyID uint64) ([]string, error)
}

// Options parameterises a Reconciler.
type Options struct {
	OutputDir     string
	RetentionDays int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Reconciler joins ledger participation marks against claim receipts and
// materialises CSV and Parquet reports for finance review.
type Reconciler struct {
	ledger    LedgerSource
	receipts  ReceiptSource
	outputDir string
	retention int
	now       func() time.Time
	logger    *slog.Logger
}

// ReportRow summarises one (survey, user) pairing.
type ReportRow struct {
	SurveyID      uint64
	UserID        string
	RewardAmount  string
	SurveyActive  bool
	Participated  bool
	ReceiptTxRef  string
	ReceiptAmount string
	ReceiptAt     time.Time
	Anomaly       string
}

// Result summarises a reconciliation run.
type Result struct {
	RunAt       time.Time
	Rows        []ReportRow
	Anomalies   []string
	CSVPath     string
	ParquetPath string
}

// NewReconciler builds a configured reconciler.
func NewReconciler(ledgerSrc LedgerSource, receipts ReceiptSource, opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outputDir := strings.TrimSpace(opts.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("rewards-data", "recon")
	}
	retention := opts.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	return &Reconciler{
		ledger:    ledgerSrc,
		receipts:  receipts,
		outputDir: outputDir,
		retention: retention,
		now:       now,
		logger:    logger,
	}
}

// RunPeriodic executes reconciliation on the given interval until the context
// is cancelled. A run happens immediately on start.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Run(ctx); err != nil {
			r.logger.Error("reconciliation run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run executes one reconciliation pass and writes the report artefacts.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	if r.ledger == nil || r.receipts == nil {
		return nil, errors.New("recon: ledger and receipt sources required")
	}
	runAt := r.now()

	surveys, err := r.ledger.Surveys()
	if err != nil {
		return nil, fmt.Errorf("recon: load surveys: %w", err)
	}
	receipts, err := r.receipts.ClaimReceipts(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load receipts: %w", err)
	}

	receiptIndex := make(map[string]Receipt, len(receipts))
	for _, receipt := range receipts {
		receiptIndex[receiptKey(receipt.SurveyID, receipt.UserID)] = receipt
	}
	surveyIndex := make(map[uint64]*ledger.Survey, len(surveys))

	result := &Result{RunAt: runAt}
	for _, survey := range surveys {
		surveyIndex[survey.ID] = survey
		participants, err := r.ledger.Participants(survey.ID)
		if err != nil {
			return nil, fmt.Errorf("recon: load participants for survey %d: %w", survey.ID, err)
		}
		if uint64(len(participants)) != survey.Participants {
			result.Anomalies = append(result.Anomalies,
				fmt.Sprintf("%s survey=%d marks=%d counter=%d",
					AnomalyCountMismatch, survey.ID, len(participants), survey.Participants))
		}
		reward := "0"
		if survey.RewardAmount != nil {
			reward = survey.RewardAmount.String()
		}
		for _, user := range participants {
			row := ReportRow{
				SurveyID:     survey.ID,
				UserID:       user,
				RewardAmount: reward,
				SurveyActive: survey.Active,
				Participated: true,
			}
			receipt, ok := receiptIndex[receiptKey(survey.ID, user)]
			switch {
			case !ok:
				row.Anomaly = AnomalyMissingReceipt
			default:
				row.ReceiptTxRef = receipt.TxRef
				row.ReceiptAmount = receipt.Amount
				row.ReceiptAt = receipt.CreatedAt
				if receipt.Amount != reward {
					row.Anomaly = AnomalyAmountMismatch
				}
				delete(receiptIndex, receiptKey(survey.ID, user))
			}
			if row.Anomaly != "" {
				result.Anomalies = append(result.Anomalies,
					fmt.Sprintf("%s survey=%d user=%s", row.Anomaly, survey.ID, user))
			}
			result.Rows = append(result.Rows, row)
		}
	}

	// Whatever is left in the index has no participation mark behind it.
	for _, receipt := range receiptIndex {
		row := ReportRow{
			SurveyID:      receipt.SurveyID,
			UserID:        receipt.UserID,
			ReceiptTxRef:  receipt.TxRef,
			ReceiptAmount: receipt.Amount,
			ReceiptAt:     receipt.CreatedAt,
			Anomaly:       AnomalyOrphanReceipt,
		}
		if survey, ok := surveyIndex[receipt.SurveyID]; ok && survey.RewardAmount != nil {
			row.RewardAmount = survey.RewardAmount.String()
			row.SurveyActive = survey.Active
		}
		result.Anomalies = append(result.Anomalies,
			fmt.Sprintf("%s survey=%d user=%s", AnomalyOrphanReceipt, receipt.SurveyID, receipt.UserID))
		result.Rows = append(result.Rows, row)
	}

	sort.Slice(result.Rows, func(i, j int) bool {
		if result.Rows[i].SurveyID != result.Rows[j].SurveyID {
			return result.Rows[i].SurveyID < result.Rows[j].SurveyID
		}
		return result.Rows[i].UserID < result.Rows[j].UserID
	})

	runDir := filepath.Join(r.outputDir, runAt.UTC().Format("20060102-150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create run dir: %w", err)
	}
	result.CSVPath = filepath.Join(runDir, "claims.csv")
	if err := writeCSV(result.CSVPath, result.Rows); err != nil {
		return nil, err
	}
	result.ParquetPath = filepath.Join(runDir, "claims.parquet")
	if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation complete",
		"rows", len(result.Rows),
		"anomalies", len(result.Anomalies),
		"dir", runDir)

	if err := r.prune(runAt); err != nil {
		r.logger.Warn("prune old reports", "error", err)
	}
	return result, nil
}

// prune removes report directories older than the retention window.
func (r *Reconciler) prune(now time.Time) error {
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := now.UTC().AddDate(0, 0, -r.retention)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stamp, err := time.Parse("20060102-150405", entry.Name())
		if err != nil {
			continue
		}
		if stamp.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(r.outputDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func receiptKey(surveyID uint64, user string) string {
	return strconv.FormatUint(surveyID, 10) + "/" + user
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"survey_id", "user_id", "reward_amount", "survey_active", "participated",
		"receipt_tx_ref", "receipt_amount", "receipt_at", "anomaly",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.SurveyID, 10),
			row.UserID,
			row.RewardAmount,
			strconv.FormatBool(row.SurveyActive),
			strconv.FormatBool(row.Participated),
			row.ReceiptTxRef,
			row.ReceiptAmount,
			formatTime(row.ReceiptAt),
			row.Anomaly,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

// Tag syntax follows the pinned parquet-go v1.5.1, which spells logical
// string columns as type=UTF8.
type parquetRow struct {
	SurveyID      int64  `parquet:"name=survey_id, type=INT64"`
	UserID        string `parquet:"name=user_id, type=UTF8"`
	RewardAmount  string `parquet:"name=reward_amount, type=UTF8"`
	SurveyActive  bool   `parquet:"name=survey_active, type=BOOLEAN"`
	Participated  bool   `parquet:"name=participated, type=BOOLEAN"`
	ReceiptTxRef  string `parquet:"name=receipt_tx_ref, type=UTF8"`
	ReceiptAmount string `parquet:"name=receipt_amount, type=UTF8"`
	ReceiptAt     string `parquet:"name=receipt_at, type=UTF8"`
	Anomaly       string `parquet:"name=anomaly, type=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			SurveyID:      int64(row.SurveyID),
			UserID:        row.UserID,
			RewardAmount:  row.RewardAmount,
			SurveyActive:  row.SurveyActive,
			Participated:  row.Participated,
			ReceiptTxRef:  row.ReceiptTxRef,
			ReceiptAmount: row.ReceiptAmount,
			ReceiptAt:     formatTime(row.ReceiptAt),
			Anomaly:       row.Anomaly,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
