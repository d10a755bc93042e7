package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
)

var (
	ErrSaveFailed      = errors.New("artifact save failed")
	ErrInvalidFileName = errors.New("invalid file name")
	ErrNotFound        = errors.New("artifact not found")
)

var fileNameRe = regexp.MustCompile(`^[a-zA-Z0-9\-.]+\.pdf$`)

// Sink persists rendered artifacts and returns an addressable reference
type Sink interface {
	Save(ctx context.Context, fileName string, r io.Reader) (string, error)
}

// ValidFileName reports whether name is a downloadable artifact name
func ValidFileName(name string) bool {
	return fileNameRe.MatchString(name) && !strings.Contains(name, "..")
}

// ArtifactFileName names the PDF of a job rendered at t
func ArtifactFileName(jobID string, t time.Time) string {
	return fmt.Sprintf("notion-%s-%d.pdf", jobID, t.UnixMilli())
}

// FilesystemSink stores artifacts as flat files under one directory
type FilesystemSink struct {
	basePath  string
	urlPrefix string
	logger    *zap.Logger
}

// NewFilesystemSink creates the base directory when missing
func NewFilesystemSink(cfg configtypes.StorageConfig, logger *zap.Logger) (*FilesystemSink, error) {
	abs, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FilesystemSink{
		basePath:  abs,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
		logger:    logger,
	}, nil
}

// BasePath returns the absolute storage directory
func (fs *FilesystemSink) BasePath() string {
	return fs.basePath
}

// Save writes r to fileName using a temp file and rename, so readers never
// see a partial document. Returns "<url_prefix>/<fileName>".
func (fs *FilesystemSink) Save(ctx context.Context, fileName string, r io.Reader) (string, error) {
	if !ValidFileName(fileName) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	if err := ctx.Err(); err != nil {
		return "", errors.Join(ErrSaveFailed, err)
	}

	filePath := filepath.Join(fs.basePath, fileName)
	tempPath := filepath.Join(fs.basePath, "."+fileName+"."+uuid.NewString()+".tmp")

	size, err := writeFile(tempPath, r)
	if err != nil {
		os.Remove(tempPath)
		fs.logger.Error("Failed to write temporary file",
			zap.String("temp_path", tempPath),
			zap.Error(err))
		return "", errors.Join(ErrSaveFailed, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		fs.logger.Error("Failed to rename temp file to final path",
			zap.String("temp_path", tempPath),
			zap.String("file_path", filePath),
			zap.Error(err))
		return "", errors.Join(ErrSaveFailed, err)
	}

	fs.logger.Debug("Artifact written successfully",
		zap.String("file_path", filePath),
		zap.Int64("size_bytes", size))

	return fs.urlPrefix + "/" + fileName, nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return size, err
}

// Path resolves a stored artifact for download
func (fs *FilesystemSink) Path(fileName string) (string, error) {
	if !ValidFileName(fileName) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}

	filePath := filepath.Join(fs.basePath, fileName)
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, fileName)
		}
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, fileName)
	}
	return filePath, nil
}

// Delete removes an artifact; deleting a missing one is not an error
func (fs *FilesystemSink) Delete(fileName string) error {
	if !ValidFileName(fileName) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	if err := os.Remove(filepath.Join(fs.basePath, fileName)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		fs.logger.Error("Failed to delete artifact",
			zap.String("file_name", fileName),
			zap.Error(err))
		return fmt.Errorf("failed to delete file: %w", err)
	}

	fs.logger.Debug("Artifact deleted", zap.String("file_name", fileName))
	return nil
}
