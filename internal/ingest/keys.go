package ingest

import "strings"

// Column aliases observed across source exports. Matching is done on a
// normalized form so "Lot Number", "LOT_NUMBER" and "LotNo" all resolve.
var (
	lotIDColumns = []string{"lot_id", "lot_number", "lot_no", "lot", "stock_number", "stock_no", "item_id"}
	vinColumns   = []string{"vin", "vehicle_id", "vehicle_vin", "serial_number", "serial_no", "serial"}
)

// normalizeKey lowercases and strips everything but letters and digits, so
// column name variants across exports compare equal.
func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mapColumns builds a normalized column name to index map from the header.
func mapColumns(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, col := range header {
		key := normalizeKey(col)
		if key == "" {
			continue
		}
		if _, seen := m[key]; !seen {
			m[key] = i
		}
	}
	return m
}

// getCol returns the trimmed value of the named column, or "".
func getCol(record []string, colIdx map[string]int, name string) string {
	idx, ok := colIdx[normalizeKey(name)]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.Trim(strings.TrimSpace(record[idx]), `"`)
}

// firstNonEmpty returns the first non-empty value among the named columns.
func firstNonEmpty(record []string, colIdx map[string]int, names []string) string {
	for _, name := range names {
		if v := getCol(record, colIdx, name); v != "" {
			return v
		}
	}
	return ""
}

// sanitizeUTF8 drops invalid byte sequences so the store never rejects a row
// over encoding garbage.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}

// rowPayload captures every named column of a record as a document.
func rowPayload(header, record []string) map[string]string {
	payload := make(map[string]string, len(header))
	for i, col := range header {
		name := strings.TrimSpace(col)
		if name == "" || i >= len(record) {
			continue
		}
		payload[name] = sanitizeUTF8(strings.TrimSpace(record[i]))
	}
	return payload
}

// columnsEqual reports whether two column sets match exactly, order included.
func columnsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
