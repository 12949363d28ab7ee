package rowsource

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/claimsflow/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Table is a parsed sheet. Rows keep source order and every row carries one
// value per header, in header order. Empty cells are null.
type Table struct {
	Headers []string
	Rows    []domain.Fields
}

// Len returns the number of data rows.
func (t Table) Len() int { return len(t.Rows) }

// SupportedExtension reports whether fileName can be parsed.
func SupportedExtension(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}

// Parse reads payload according to the extension of fileName. The first
// non-empty row is the header row.
func Parse(fileName string, payload []byte) (Table, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	var (
		records [][]domain.Value
		err     error
	)
	switch ext {
	case ".csv":
		records, err = readCSV(payload)
	case ".xlsx":
		records, err = readExcel(payload)
	default:
		return Table{}, errors.Wrapf(domain.ErrUnsupportedFormat, "%q", ext)
	}
	if err != nil {
		return Table{}, err
	}
	return buildTable(records)
}

func readCSV(payload []byte) ([][]domain.Value, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read csv")
	}
	rows := make([][]domain.Value, len(records))
	for i, record := range records {
		row := make([]domain.Value, len(record))
		for j, cell := range record {
			row[j] = textValue(cell)
		}
		rows[i] = row
	}
	return rows, nil
}

func readExcel(payload []byte) ([][]domain.Value, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open xlsx")
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "excel file has no sheets")
	}

	sheet := &sheetReader{file: f, name: sheets[0], dateStyles: map[int]bool{}}
	raw, err := f.GetRows(sheet.name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rows from xlsx")
	}
	rows := make([][]domain.Value, len(raw))
	for i, record := range raw {
		row := make([]domain.Value, len(record))
		for j, cell := range record {
			if row[j], err = sheet.value(j+1, i+1, cell); err != nil {
				return nil, err
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func buildTable(records [][]domain.Value) (Table, error) {
	headerIndex := -1
	for idx, row := range records {
		if !isEmptyRow(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return Table{}, errors.Wrap(domain.ErrInvalidInput, "no rows found in file")
	}

	headerCells := records[headerIndex]
	names := make([]string, len(headerCells))
	for i, cell := range headerCells {
		names[i] = cell.Text()
	}
	headers := uniqueHeaders(names)
	table := Table{Headers: headers, Rows: []domain.Fields{}}
	for _, raw := range records[headerIndex+1:] {
		if isEmptyRow(raw) {
			continue
		}
		row := padRow(raw, len(headers))
		fields := domain.NewFields()
		for i, header := range headers {
			fields.Set(header, row[i])
		}
		table.Rows = append(table.Rows, fields)
	}
	return table, nil
}

// uniqueHeaders trims header cells, names blank ones column_N and suffixes
// repeats so every column keeps its own key. A suffix never reuses a name
// that is already taken, including one that appears literally in the file.
func uniqueHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	used := make(map[string]bool, len(raw))
	next := make(map[string]int, len(raw))
	for idx, value := range raw {
		base := strings.TrimSpace(value)
		if base == "" {
			base = fmt.Sprintf("column_%d", idx+1)
		}
		name := base
		for used[name] {
			n := next[base]
			if n < 2 {
				n = 2
			}
			name = fmt.Sprintf("%s_%d", base, n)
			next[base] = n + 1
		}
		used[name] = true
		headers[idx] = name
	}
	return headers
}

func padRow(row []domain.Value, length int) []domain.Value {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]domain.Value, length)
	copy(padded, row)
	return padded
}

func isEmptyRow(row []domain.Value) bool {
	for _, cell := range row {
		if !cell.IsNull() {
			return false
		}
	}
	return true
}

// textValue trims a cell; blank cells are null.
func textValue(cell string) domain.Value {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return domain.Null()
	}
	return domain.String(cell)
}
