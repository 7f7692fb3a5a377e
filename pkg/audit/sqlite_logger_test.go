package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteLogger(t *testing.T) *SQLiteLogger {
	t.Helper()
	l, err := NewSQLiteLogger(SQLiteLoggerConfig{DataDir: t.TempDir(), RetentionDays: 30})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLiteLogAndQuery(t *testing.T) {
	l := newTestSQLiteLogger(t)

	now := time.Now()
	require.NoError(t, l.Log(Record{
		ID:          "id-1",
		RequestID:   "req-1",
		Timestamp:   now,
		DurationMS:  42,
		Method:      "tools/call",
		Tool:        "exec",
		TokenHash:   "abcd1234",
		BytesIn:     100,
		BytesOut:    2048,
		Outcome:     "OK",
		ExecProgram: "/bin/echo (+1 args)",
		Streamed:    true,
	}))
	require.NoError(t, l.Log(Record{
		ID:        "id-2",
		RequestID: "req-2",
		Timestamp: now.Add(time.Second),
		Outcome:   "Unauthorized",
	}))

	all, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "id-2", all[0].ID, "newest first")

	execOnly, err := l.Query(QueryFilter{Tool: "exec"})
	require.NoError(t, err)
	require.Len(t, execOnly, 1)
	got := execOnly[0]
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, int64(42), got.DurationMS)
	assert.Equal(t, "/bin/echo (+1 args)", got.ExecProgram)
	assert.True(t, got.Streamed)
	assert.WithinDuration(t, now, got.Timestamp, time.Second)

	denied, err := l.Query(QueryFilter{Outcome: "Unauthorized"})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Empty(t, denied[0].Tool, "gate failures carry no tool")
}

func TestSQLiteQueryTimeWindowAndLimit(t *testing.T) {
	l := newTestSQLiteLogger(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(Record{
			ID:        string(rune('a' + i)),
			RequestID: "r",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Outcome:   "OK",
		}))
	}

	start := base.Add(1 * time.Minute)
	end := base.Add(3 * time.Minute)
	window, err := l.Query(QueryFilter{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	limited, err := l.Query(QueryFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteSweepRemovesOldRecords(t *testing.T) {
	l := newTestSQLiteLogger(t)

	require.NoError(t, l.Log(Record{
		ID:        "old",
		RequestID: "r",
		Timestamp: time.Now().AddDate(0, 0, -60),
		Outcome:   "OK",
	}))
	require.NoError(t, l.Log(Record{
		ID:        "fresh",
		RequestID: "r",
		Timestamp: time.Now(),
		Outcome:   "OK",
	}))

	l.sweep()

	remaining, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].ID)
}

func TestSQLiteRequiresDataDir(t *testing.T) {
	_, err := NewSQLiteLogger(SQLiteLoggerConfig{})
	assert.Error(t, err)
}
