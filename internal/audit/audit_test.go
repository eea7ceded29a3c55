package audit_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/testutil"
)

func newLogger(t *testing.T) (*audit.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := audit.NewLogger(path, testutil.TestLogger())
	require.NoError(t, err)
	return l, path
}

func TestAppend_ChainsFromGenesis(t *testing.T) {
	l, _ := newLogger(t)

	first, err := l.Append("admin", "ADMIN", "LOGIN_SUCCESS", "auth", nil)
	require.NoError(t, err)
	assert.Equal(t, "GENESIS", first.PrevHash)
	assert.Len(t, first.Hash, 16)

	second, err := l.Append("admin", "ADMIN", "DELETE_NODE", "node:probe-1", map[string]any{"reason": "decommissioned"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)
}

func TestVerify_ValidChain(t *testing.T) {
	l, _ := newLogger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append("operator", "OPERATOR", "CREATE_NODE", "node:n", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	valid, broken, entries, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Zero(t, broken)
	assert.Equal(t, 5, entries)
}

func TestVerify_EmptyFileIsValid(t *testing.T) {
	l, _ := newLogger(t)

	valid, broken, entries, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Zero(t, broken)
	assert.Zero(t, entries)
}

func TestVerify_DetectsTamperedEntry(t *testing.T) {
	l, path := newLogger(t)

	_, err := l.Append("admin", "ADMIN", "LOGIN_SUCCESS", "auth", nil)
	require.NoError(t, err)
	_, err = l.Append("admin", "ADMIN", "DELETE_NODE", "node:probe-1", nil)
	require.NoError(t, err)
	_, err = l.Append("admin", "ADMIN", "LOGOUT", "auth", nil)
	require.NoError(t, err)

	// Flip the action on line 2 without touching its hash.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "DELETE_NODE", "CREATE_NODE", 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	valid, broken, _, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, 2, broken)
}

func TestVerify_DetectsGarbageLine(t *testing.T) {
	l, path := newLogger(t)

	_, err := l.Append("admin", "ADMIN", "LOGIN_SUCCESS", "auth", nil)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	valid, broken, _, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, 2, broken)
}

func TestNewLogger_ResumesChainAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l1, err := audit.NewLogger(path, testutil.TestLogger())
	require.NoError(t, err)
	first, err := l1.Append("admin", "ADMIN", "LOGIN_SUCCESS", "auth", nil)
	require.NoError(t, err)

	// A fresh Logger on the same file must continue from the tail hash,
	// not restart at GENESIS.
	l2, err := audit.NewLogger(path, testutil.TestLogger())
	require.NoError(t, err)
	second, err := l2.Append("admin", "ADMIN", "LOGOUT", "auth", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)

	valid, _, entries, err := l2.Verify()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 2, entries)
}

func TestVerify_NumericDetailsRoundTrip(t *testing.T) {
	l, _ := newLogger(t)

	_, err := l.Append("etl", "OPERATOR", "BATCH_PROCESSED", "queue", map[string]any{
		"rows":       100,
		"error_rate": 0.0199,
		"node":       "probe-7",
	})
	require.NoError(t, err)

	valid, _, entries, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, valid, "float and int details must hash identically on re-verify")
	assert.Equal(t, 1, entries)
}

func TestStats(t *testing.T) {
	l, path := newLogger(t)

	st, err := l.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntries)
	assert.Zero(t, st.FileSizeBytes)

	_, err = l.Append("admin", "ADMIN", "LOGIN_SUCCESS", "auth", nil)
	require.NoError(t, err)
	_, err = l.Append("admin", "ADMIN", "LOGOUT", "auth", nil)
	require.NoError(t, err)

	st, err = l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalEntries)
	assert.Positive(t, st.FileSizeBytes)
	assert.Equal(t, path, st.Path)
}
