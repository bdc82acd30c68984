package ingest

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"
)

var xlsxMagic = []byte{0x50, 0x4b, 0x03, 0x04}

// isXLSX reports whether the payload is a zip container (xlsx workbook).
func isXLSX(data []byte) bool {
	return bytes.HasPrefix(data, xlsxMagic)
}

// decodeText returns the payload as valid UTF-8. Latin-1 sources are decoded
// when configured explicitly or when the bytes are not valid UTF-8.
func decodeText(data []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "auto":
		if utf8.Valid(data) {
			return data, nil
		}
		fallthrough
	case "latin-1", "latin1", "iso-8859-1":
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: decode latin-1")
		}
		return decoded, nil
	case "utf-8", "utf8":
		return data, nil
	default:
		return nil, eris.Errorf("ingest: unsupported encoding %q", encoding)
	}
}

// sniffDelimiter picks the delimiter with the most occurrences in the header
// line. Comma wins ties.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	best := ','
	bestCount := bytes.Count(line, []byte{','})
	for _, cand := range []byte{'|', '\t'} {
		if n := bytes.Count(line, []byte{cand}); n > bestCount {
			best = rune(cand)
			bestCount = n
		}
	}
	return best
}

// countDataLines estimates the row count a text snapshot declares: one row
// per line after the header.
func countDataLines(data []byte) int {
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && !bytes.HasSuffix(data, []byte{'\n'}) {
		n++
	}
	if n > 0 {
		n-- // header
	}
	return n
}

// readXLSXRows loads the first sheet of a workbook as string rows.
func readXLSXRows(data []byte) ([][]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: xlsx has no sheets")
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
