package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeVariant(t *testing.T, baseDir, variant, name, data string) {
	t.Helper()
	dir := filepath.Join(baseDir, variant)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
}

func TestLoaderLoad(t *testing.T) {
	base := t.TempDir()
	writeVariant(t, base, "baseline", "trials.csv",
		"fighterA,fighterB,prediction\nSilva,Jones,A\nNgannou,Miocic,B\n")

	l := NewLoader(base, zaptest.NewLogger(t))
	rows, err := l.Load("baseline")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Silva", rows[0]["fighterA"])
	assert.Equal(t, "B", rows[1]["prediction"])
}

func TestLoaderMissingVariant(t *testing.T) {
	l := NewLoader(t.TempDir(), zaptest.NewLogger(t))
	_, err := l.Load("nope")
	assert.ErrorIs(t, err, ErrNoContentFile)
	assert.ErrorIs(t, l.Probe("nope"), ErrNoContentFile)
}

func TestLoaderRejectsAmbiguousVariant(t *testing.T) {
	base := t.TempDir()
	writeVariant(t, base, "dup", "a.csv", "h\n1\n")
	writeVariant(t, base, "dup", "b.csv", "h\n2\n")

	l := NewLoader(base, zaptest.NewLogger(t))
	_, err := l.Load("dup")
	assert.ErrorIs(t, err, ErrNoContentFile)
}

func TestLoaderHeaderOnlyFile(t *testing.T) {
	base := t.TempDir()
	writeVariant(t, base, "empty", "trials.csv", "fighterA,fighterB\n")

	l := NewLoader(base, zaptest.NewLogger(t))
	_, err := l.Load("empty")
	assert.ErrorIs(t, err, ErrNoContentFile)

	// Probe only checks presence, not content.
	assert.NoError(t, l.Probe("empty"))
}
