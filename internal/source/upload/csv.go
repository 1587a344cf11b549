// Package upload parses manually uploaded tabular batches. A batch is one
// CSV file with a fixed column layout (date, amount, counterparty, memo)
// and is treated as a single page with no continuation token.
package upload

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/txsync/internal/source"
)

// Column layout of a manual upload.
const (
	colDate = iota
	colAmount
	colCounterparty
	colMemo
	numColumns
)

// SkippedRow reports one row that could not be parsed. Skipped rows never
// abort the batch.
type SkippedRow struct {
	Line   int
	Reason string
}

// ParseCSV reads a manual batch for the given account. Amounts are expected
// already signed with outgoing money negative. Unparseable rows are skipped
// and reported; only an unreadable file fails the whole batch.
//
// Manual rows carry no source-assigned identity, so a stable external ID is
// derived from the row content. Identical rows within one batch get an
// occurrence suffix, which keeps re-uploads of the same file idempotent as
// long as row order is preserved.
func ParseCSV(accountID string, r io.Reader) (*source.UploadBatch, []SkippedRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // validated per row below
	reader.TrimLeadingSpace = true

	batch := &source.UploadBatch{AccountID: accountID}
	var skipped []SkippedRow
	seen := make(map[string]int)

	line := 0
	for {
		line++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				skipped = append(skipped, SkippedRow{Line: line, Reason: err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("ParseCSV: reading row %d: %w", line, err)
		}

		if line == 1 && isHeader(row) {
			continue
		}
		if len(row) < numColumns {
			skipped = append(skipped, SkippedRow{Line: line, Reason: fmt.Sprintf("expected %d columns, got %d", numColumns, len(row))})
			continue
		}

		dateStr := strings.TrimSpace(row[colDate])
		if _, err := time.Parse("2006-01-02", dateStr); err != nil {
			skipped = append(skipped, SkippedRow{Line: line, Reason: fmt.Sprintf("invalid date %q", dateStr)})
			continue
		}

		amountStr := strings.ReplaceAll(strings.TrimSpace(row[colAmount]), ",", "")
		amountStr = strings.TrimPrefix(amountStr, "$")
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			skipped = append(skipped, SkippedRow{Line: line, Reason: fmt.Sprintf("invalid amount %q", row[colAmount])})
			continue
		}

		counterparty := strings.TrimSpace(row[colCounterparty])
		memo := strings.TrimSpace(row[colMemo])

		key := rowKey(accountID, dateStr, amountStr, counterparty, memo)
		occurrence := seen[key]
		seen[key] = occurrence + 1

		batch.Records = append(batch.Records, source.RawRecord{
			ExternalID:        externalID(key, occurrence),
			AccountExternalID: accountID,
			Amount:            amount,
			Date:              dateStr,
			Name:              memo,
			MerchantName:      counterparty,
			Network:           "manual",
		})
	}

	return batch, skipped, nil
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	return first == "date"
}

func rowKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func externalID(key string, occurrence int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", key, occurrence)))
	return "manual-" + hex.EncodeToString(h[:8])
}
