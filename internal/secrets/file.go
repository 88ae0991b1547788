package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// FileProvider reads secrets from files, such as mounted Kubernetes secret
// volumes. Trailing newlines are trimmed from plain values.
type FileProvider struct {
	baseDir string
	logger  observability.Logger
}

// FileOption configures a FileProvider.
type FileOption func(*FileProvider)

// WithBaseDir resolves relative paths against dir and refuses paths that
// escape it.
func WithBaseDir(dir string) FileOption {
	return func(p *FileProvider) { p.baseDir = dir }
}

// WithFileLogger sets the provider logger.
func WithFileLogger(logger observability.Logger) FileOption {
	return func(p *FileProvider) { p.logger = logger }
}

// NewFileProvider creates a FileProvider.
func NewFileProvider(opts ...FileOption) *FileProvider {
	p := &FileProvider{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the provider type.
func (p *FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

func (p *FileProvider) resolve(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if p.baseDir == "" {
		return filepath.Clean(path), nil
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: absolute path with base directory", ErrInvalidPath)
	}
	full := filepath.Join(p.baseDir, path)
	rel, err := filepath.Rel(p.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes base directory", ErrInvalidPath, path)
	}
	return full, nil
}

// GetSecret reads the file at path.
func (p *FileProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full) //nolint:gosec // path is operator configuration
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, full)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file %s: %w", full, err)
	}
	p.logger.Debug("secret read from file", observability.String("path", full))
	return &Secret{Name: path, Data: decodeValue(bytes.TrimRight(raw, "\r\n"))}, nil
}

// HealthCheck checks that the base directory is readable.
func (p *FileProvider) HealthCheck(context.Context) error {
	if p.baseDir == "" {
		return nil
	}
	if _, err := os.Stat(p.baseDir); err != nil {
		return fmt.Errorf("secret directory unavailable: %w", err)
	}
	return nil
}

// Close is a no-op.
func (p *FileProvider) Close() error { return nil }
