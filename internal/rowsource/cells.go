package rowsource

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/claimsflow/internal/domain"
)

// sheetReader types raw worksheet cells. Numeric cells whose number format
// is a date or time format become dates.
type sheetReader struct {
	file       *excelize.File
	name       string
	date1904   *bool
	dateStyles map[int]bool
}

func (s *sheetReader) value(col, row int, raw string) (domain.Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Null(), nil
	}
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return domain.Value{}, errors.Wrapf(err, "cell at column %d row %d", col, row)
	}
	cellType, err := s.file.GetCellType(s.name, cell)
	if err != nil {
		return domain.Value{}, errors.Wrapf(err, "read type of cell %s", cell)
	}

	switch cellType {
	case excelize.CellTypeBool:
		return domain.Bool(raw == "1" || strings.EqualFold(raw, "true")), nil
	case excelize.CellTypeDate:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return domain.Date(t), nil
			}
		}
		return domain.String(raw), nil
	case excelize.CellTypeNumber, excelize.CellTypeUnset:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.String(raw), nil
		}
		isDate, err := s.isDateCell(cell)
		if err != nil {
			return domain.Value{}, err
		}
		if !isDate {
			return domain.Number(n), nil
		}
		use1904, err := s.uses1904()
		if err != nil {
			return domain.Value{}, err
		}
		t, err := excelize.ExcelDateToTime(n, use1904)
		if err != nil {
			return domain.Number(n), nil
		}
		return domain.Date(t), nil
	default:
		return domain.String(raw), nil
	}
}

func (s *sheetReader) isDateCell(cell string) (bool, error) {
	styleID, err := s.file.GetCellStyle(s.name, cell)
	if err != nil {
		return false, errors.Wrapf(err, "read style of cell %s", cell)
	}
	if isDate, ok := s.dateStyles[styleID]; ok {
		return isDate, nil
	}
	isDate := false
	if style, err := s.file.GetStyle(styleID); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			isDate = isDateFormatCode(*style.CustomNumFmt)
		} else {
			isDate = isBuiltInDateFormat(style.NumFmt)
		}
	}
	s.dateStyles[styleID] = isDate
	return isDate, nil
}

func (s *sheetReader) uses1904() (bool, error) {
	if s.date1904 == nil {
		props, err := s.file.GetWorkbookProps()
		if err != nil {
			return false, errors.Wrap(err, "read workbook properties")
		}
		use1904 := props.Date1904 != nil && *props.Date1904
		s.date1904 = &use1904
	}
	return *s.date1904, nil
}

// isBuiltInDateFormat reports the built-in number formats that render dates
// or times (ECMA-376 18.8.30).
func isBuiltInDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 22,
		id >= 27 && id <= 36,
		id >= 45 && id <= 47,
		id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormatCode reports whether a custom format code contains date or
// time tokens outside quoted literals, escapes and bracketed sections.
func isDateFormatCode(code string) bool {
	var b strings.Builder
	inQuote, inBracket := false, false
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case inQuote:
			inQuote = c != '"'
		case inBracket:
			inBracket = c != ']'
		case c == '"':
			inQuote = true
		case c == '[':
			inBracket = true
		case c == '\\' || c == '_' || c == '*':
			i++
		default:
			b.WriteByte(c)
		}
	}
	stripped := strings.ToLower(b.String())
	if strings.Contains(stripped, "general") {
		return false
	}
	return strings.ContainsAny(stripped, "ymdhs")
}
