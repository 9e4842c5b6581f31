package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ReportStore archives end-of-day reconciliation reports as Parquet files:
//
//	<DataDir>/reports/<user>/<YYYY-MM-DD>.parquet
type ReportStore struct {
	DataDir string
}

// NewReportStore creates a ReportStore rooted at the given data directory.
func NewReportStore(dataDir string) *ReportStore {
	return &ReportStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// Report line kinds.
const (
	ReportKindOrderCreated     = "order_created"
	ReportKindOrderResolved    = "order_resolved"
	ReportKindPositionAdjusted = "position_adjusted"
	ReportKindUnresolved       = "unresolved"
	ReportKindSummary          = "summary"
)

// ReportRecord is one line of a daily reconciliation report.
type ReportRecord struct {
	Date          string  `parquet:"date"`
	UserID        string  `parquet:"user_id"`
	Kind          string  `parquet:"kind"`
	Symbol        string  `parquet:"symbol"`
	OrderID       string  `parquet:"order_id"`
	BrokerOrderID string  `parquet:"broker_order_id"`
	Detail        string  `parquet:"detail"`
	Quantity      float64 `parquet:"quantity"`
	Price         float64 `parquet:"price"`
	RealizedPnL   float64 `parquet:"realized_pnl"`
	UnrealizedPnL float64 `parquet:"unrealized_pnl"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteReport replaces the report for (user, date) and returns its path.
func (s *ReportStore) WriteReport(userID, date string, records []ReportRecord) (string, error) {
	path := s.reportPath(userID, date)
	if err := writeParquetFile(path, records); err != nil {
		return "", fmt.Errorf("writing report %s/%s: %w", userID, date, err)
	}
	return path, nil
}

// ReadReport reads the report for (user, date). A missing file yields
// ErrNotFound.
func (s *ReportStore) ReadReport(userID, date string) ([]ReportRecord, error) {
	path := s.reportPath(userID, date)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("report %s/%s: %w", userID, date, ErrNotFound)
	}
	records, err := readParquetFile[ReportRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading report %s/%s: %w", userID, date, err)
	}
	return records, nil
}

// ListReportDates returns the dates with an archived report for userID,
// oldest first.
func (s *ReportStore) ListReportDates(userID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "reports", userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		date := name[:len(name)-len(".parquet")]
		if _, err := time.Parse("2006-01-02", date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *ReportStore) reportPath(userID, date string) string {
	return filepath.Join(s.DataDir, "reports", userID, date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
