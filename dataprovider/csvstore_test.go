package dataprovider

import (
	"os"
	"path/filepath"
	"testing"

	"Shellback/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadCSVFileParsesBars(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL_daily.csv",
		"timestamp,open,high,low,close,volume\n"+
			"2024-01-03,101,103,100,102,5000\n"+
			"2024-01-02,100,102,99,101,4000\n"+
			"2024-01-04,bad,103,100,102,5000\n"+ // unparseable row dropped
			"2024-01-05,102,104,101,0,6000\n") // zero close dropped

	bars, err := LoadCSVFile(filepath.Join(dir, "AAPL_daily.csv"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.InDelta(t, 102.0, bars[0].Close, 1e-9) // file order preserved here
	assert.InDelta(t, 101.0, bars[1].Close, 1e-9)
}

func TestLoadCSVFileRejectsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BAD_daily.csv", "date,open,high,low,close\n2024-01-02,1,2,0.5,1.5\n")

	_, err := LoadCSVFile(filepath.Join(dir, "BAD_daily.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestLoadCSVDirFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL_daily.csv",
		"timestamp,open,high,low,close,volume\n"+
			"2024-01-03,101,103,100,102,5000\n"+
			"2024-01-02,100,102,99,101,4000\n")
	writeCSV(t, dir, "MSFT_daily.csv",
		"timestamp,open,high,low,close,volume\n2024-01-02,400,405,398,404,9000\n")
	writeCSV(t, dir, "notes.txt", "not a data file")

	logger := utilities.NewLogger(utilities.Error)

	data, err := LoadCSVDir(dir, []string{"aapl"}, logger)
	require.NoError(t, err)
	require.Len(t, data, 1)
	bars := data["AAPL"]
	require.Len(t, bars, 2)
	assert.Less(t, bars[0].Timestamp, bars[1].Timestamp, "bars are sorted ascending")

	all, err := LoadCSVDir(dir, nil, logger)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoadCSVDirEmptyDirectoryErrors(t *testing.T) {
	_, err := LoadCSVDir(t.TempDir(), nil, utilities.NewLogger(utilities.Error))
	require.Error(t, err)
}

func TestParseCSVTimestampVariants(t *testing.T) {
	dateOnly, err := parseCSVTimestamp("2024-01-02")
	require.NoError(t, err)

	rfc, err := parseCSVTimestamp("2024-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, dateOnly, rfc)

	seconds, err := parseCSVTimestamp("1704153600")
	require.NoError(t, err)
	millis, err := parseCSVTimestamp("1704153600000")
	require.NoError(t, err)
	assert.Equal(t, seconds, millis)

	_, err = parseCSVTimestamp("yesterday")
	assert.Error(t, err)
}
