package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export renders records in the given format. Unknown formats fall back to JSON.
func Export(records []*Record, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(records)
	case ExportFormatNDJSON:
		return exportNDJSON(records)
	default:
		return exportJSON(records)
	}
}

// exportJSON exports records as a JSON array
func exportJSON(records []*Record) ([]byte, error) {
	if records == nil {
		records = []*Record{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports records as newline-delimited JSON
func exportNDJSON(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode record: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports records as CSV, one row per record with the
// transition messages joined by " > "
func exportCSV(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"RequestID",
		"CreatedAt",
		"UpdatedAt",
		"Method",
		"State",
		"Terminal",
		"StatusCode",
		"Action",
		"AccountID",
		"SessionID",
		"TokenFingerprint",
		"RedirectURI",
		"Message",
		"Transitions",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			rec.RequestID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.Method,
			rec.State,
			strconv.FormatBool(rec.Terminal),
			formatStatusCode(rec.StatusCode),
			rec.Action,
			rec.AccountID,
			rec.SessionID,
			rec.TokenFingerprint,
			rec.RedirectURI,
			rec.Message(),
			strings.Join(rec.Messages(), " > "),
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatStatusCode leaves unset codes empty
func formatStatusCode(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}
