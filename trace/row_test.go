package trace

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderIsFixed(t *testing.T) {
	require.Len(t, Header, 16)
	assert.Equal(t, "Event Name", Header[0])
	assert.Equal(t, "User Data", Header[15])

	row := Row{EventName: "Process", EventType: "Start", TimeStamp: time.Now()}
	assert.Len(t, row.Columns(), len(Header))
}

func TestRowColumnFormatting(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
	row := Row{
		EventName:   "Process",
		EventType:   "Start",
		TimeStamp:   ts,
		PID:         255,
		TID:         42,
		ProcessName: "sample.exe",
		UserData:    "Parent=0x1",
	}

	cols := row.Columns()
	assert.Equal(t, "0xFF", cols[9])
	assert.Equal(t, "42", cols[10])
	assert.Equal(t, "2025-03-14T09:26:53.589793Z", cols[2])
	// Reserved columns stay empty.
	for i := 3; i <= 8; i++ {
		assert.Empty(t, cols[i])
	}
}

func TestWriterEscapesEmbeddedSeparators(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	w, err := NewWriter(path)
	require.NoError(t, err)

	row := &Row{
		EventName:   "Process",
		EventType:   "Start",
		TimeStamp:   time.Now().UTC(),
		PID:         1,
		CommandLine: `run "quoted" and, separated`,
		Path:        "multi\nline",
		UserData:    `tricky,"payload"`,
	}
	require.NoError(t, w.Write(row))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, `run "quoted" and, separated`, rows[1][13])
	assert.Equal(t, "multi\nline", rows[1][14])
	assert.Equal(t, `tricky,"payload"`, rows[1][15])
}

func TestWriterCountsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	w, err := NewWriter(path)
	require.NoError(t, err)
	defer w.Close()

	assert.EqualValues(t, 0, w.Rows())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(&Row{EventName: "FileIo", EventType: "Read", TimeStamp: time.Now()}))
	}
	assert.EqualValues(t, 3, w.Rows())
}
