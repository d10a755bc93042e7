package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
)

func newTestSink(t *testing.T) *FilesystemSink {
	t.Helper()
	sink, err := NewFilesystemSink(configtypes.StorageConfig{
		BasePath:  filepath.Join(t.TempDir(), "downloads"),
		URLPrefix: "/download/",
	}, zap.NewNop())
	require.NoError(t, err)
	return sink
}

func TestValidFileName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"notion-12-1700000000000.pdf", true},
		{"report.v2.pdf", true},
		{"REPORT.pdf", true},
		{"report.PDF", false},
		{"report.txt", false},
		{".pdf", false},
		{"../etc/passwd.pdf", false},
		{"..pdf", false},
		{"a..b.pdf", false},
		{"dir/report.pdf", false},
		{"report .pdf", false},
		{"report.pdf\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidFileName(tt.name))
		})
	}
}

func TestArtifactFileName(t *testing.T) {
	name := ArtifactFileName("42", time.UnixMilli(1700000000123))
	assert.Equal(t, "notion-42-1700000000123.pdf", name)
	assert.True(t, ValidFileName(name))
}

func TestFilesystemSink_SaveAndPath(t *testing.T) {
	sink := newTestSink(t)
	content := []byte("%PDF-1.7 test document")

	ref, err := sink.Save(context.Background(), "notion-1-1.pdf", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, "/download/notion-1-1.pdf", ref)

	path, err := sink.Path("notion-1-1.pdf")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// no temp files left behind
	entries, err := os.ReadDir(sink.BasePath())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFilesystemSink_SaveOverwrites(t *testing.T) {
	sink := newTestSink(t)

	_, err := sink.Save(context.Background(), "a.pdf", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = sink.Save(context.Background(), "a.pdf", strings.NewReader("second"))
	require.NoError(t, err)

	path, err := sink.Path("a.pdf")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("stream broken") }

func TestFilesystemSink_SaveFailures(t *testing.T) {
	sink := newTestSink(t)

	_, err := sink.Save(context.Background(), "../escape.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidFileName)

	_, err = sink.Save(context.Background(), "broken.pdf", failingReader{})
	assert.ErrorIs(t, err, ErrSaveFailed)
	_, err = sink.Path("broken.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Save(ctx, "cancelled.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrSaveFailed)

	entries, err := os.ReadDir(sink.BasePath())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFilesystemSink_PathAndDelete(t *testing.T) {
	sink := newTestSink(t)

	_, err := sink.Path("missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sink.Path("x/../../secret.pdf")
	assert.ErrorIs(t, err, ErrInvalidFileName)

	require.NoError(t, os.Mkdir(filepath.Join(sink.BasePath(), "dir.pdf"), 0755))
	_, err = sink.Path("dir.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sink.Save(context.Background(), "gone.pdf", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, sink.Delete("gone.pdf"))
	require.NoError(t, sink.Delete("gone.pdf"))
	_, err = sink.Path("gone.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}
