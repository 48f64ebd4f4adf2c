package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var reportHeader = []string{"kind", "id", "field", "mirror", "ledger", "repaired"}

// writeReportFiles writes the drift rows as CSV and Parquet under a directory
// named after the run time.
func writeReportFiles(baseDir string, at time.Time, rows []DriftRow) (string, string, error) {
	runDir := filepath.Join(baseDir, at.Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	sorted := append([]DriftRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Field < sorted[j].Field
	})

	csvPath := filepath.Join(runDir, "drift.csv")
	if err := writeCSV(csvPath, sorted); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, "drift.parquet")
	if err := writeParquet(parquetPath, sorted); err != nil {
		return csvPath, "", err
	}
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []DriftRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{row.Kind, row.ID, row.Field, row.Mirror, row.Ledger, strconv.FormatBool(row.Repaired)}
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

type parquetRow struct {
	Kind     string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID       string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Field    string `parquet:"name=field, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mirror   string `parquet:"name=mirror, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ledger   string `parquet:"name=ledger, type=BYTE_ARRAY, convertedtype=UTF8"`
	Repaired bool   `parquet:"name=repaired, type=BOOLEAN"`
}

func writeParquet(path string, rows []DriftRow) error {
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
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Kind:     row.Kind,
			ID:       row.ID,
			Field:    row.Field,
			Mirror:   row.Mirror,
			Ledger:   row.Ledger,
			Repaired: row.Repaired,
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
