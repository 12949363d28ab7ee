package rowsource

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/claimsflow/internal/domain"
)

func TestParseCSV(t *testing.T) {
	payload := append([]byte{0xEF, 0xBB, 0xBF}, []byte("DOB,Fill_Date,qty,qty\n\n1980-01-01,2024-02-01,007,\n , , ,\n1975-05-05,2024-03-01\n")...)

	table, err := Parse("claims.CSV", payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOB", "Fill_Date", "qty", "qty_2"}, table.Headers)
	require.Equal(t, 2, table.Len())

	first := table.Rows[0]
	assert.Equal(t, []string{"DOB", "Fill_Date", "qty", "qty_2"}, first.Keys())
	qty, _ := first.Get("qty")
	assert.Equal(t, domain.KindString, qty.Kind())
	assert.Equal(t, "007", qty.Text())
	empty, _ := first.Get("qty_2")
	assert.True(t, empty.IsNull())

	second := table.Rows[1]
	assert.Equal(t, 4, second.Len())
	missing, _ := second.Get("qty")
	assert.True(t, missing.IsNull())
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"member_dob", "days_supply"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"1980-01-01", "45"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"1990-06-30", "90"}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	table, err := Parse("claims.xlsx", buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"member_dob", "days_supply"}, table.Headers)
	require.Equal(t, 2, table.Len())
	supply, _ := table.Rows[1].Get("days_supply")
	assert.Equal(t, "90", supply.Text())
}

func TestParseRejectsUnknownExtension(t *testing.T) {
	_, err := Parse("claims.json", []byte("{}"))
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))
	assert.False(t, SupportedExtension("claims.json"))
	assert.True(t, SupportedExtension("claims.xlsx"))
}

func TestParseEmptyCSV(t *testing.T) {
	_, err := Parse("empty.csv", []byte("\n\n"))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestParseXLSXTypesDateAndNumberCells(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"member_dob", "fill_date", "days_supply", "flag", "ndc"}))
	require.NoError(t, f.SetCellValue(sheet, "A2", 29387)) // 1980-06-15
	require.NoError(t, f.SetCellValue(sheet, "B2", 45323)) // 2024-02-01
	require.NoError(t, f.SetCellValue(sheet, "C2", 45))
	require.NoError(t, f.SetCellValue(sheet, "D2", true))
	require.NoError(t, f.SetCellValue(sheet, "E2", "00093"))

	shortDate, err := f.NewStyle(&excelize.Style{NumFmt: 14})
	require.NoError(t, err)
	custom := "dd/mm/yyyy"
	customDate, err := f.NewStyle(&excelize.Style{CustomNumFmt: &custom})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(sheet, "A2", "A2", shortDate))
	require.NoError(t, f.SetCellStyle(sheet, "B2", "B2", customDate))

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	table, err := Parse("claims.xlsx", buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())
	row := table.Rows[0]

	dob, _ := row.Get("member_dob")
	require.Equal(t, domain.KindDate, dob.Kind())
	assert.Equal(t, time.Date(1980, 6, 15, 0, 0, 0, 0, time.UTC), dob.Time())

	fill, _ := row.Get("fill_date")
	require.Equal(t, domain.KindDate, fill.Kind())
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), fill.Time())

	supply, _ := row.Get("days_supply")
	assert.Equal(t, domain.KindNumber, supply.Kind())
	assert.Equal(t, 45.0, supply.NumberValue())

	flag, _ := row.Get("flag")
	assert.Equal(t, domain.KindBool, flag.Kind())
	assert.True(t, flag.BoolValue())

	ndc, _ := row.Get("ndc")
	assert.Equal(t, domain.KindString, ndc.Kind())
	assert.Equal(t, "00093", ndc.Text())
}

func TestParseKeepsEveryDuplicateHeader(t *testing.T) {
	table, err := Parse("c.csv", []byte("A,A,A_2,,A\n1,2,3,4,5\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "A_2", "A_2_2", "column_4", "A_3"}, table.Headers)
	row := table.Rows[0]
	require.Equal(t, 5, row.Len())
	for i, header := range table.Headers {
		v, ok := row.Get(header)
		require.True(t, ok, header)
		assert.Equal(t, strconv.Itoa(i+1), v.Text())
	}
}

func TestIsDateFormatCode(t *testing.T) {
	assert.True(t, isDateFormatCode("yyyy-mm-dd"))
	assert.True(t, isDateFormatCode("[$-409]mmm d, yyyy"))
	assert.True(t, isDateFormatCode("h:mm AM/PM"))
	assert.False(t, isDateFormatCode("General"))
	assert.False(t, isDateFormatCode(`#,##0.00 "days"`))
	assert.False(t, isDateFormatCode(`[$$-409]#,##0.00`))
	assert.False(t, isDateFormatCode("0.00E+00"))
}
