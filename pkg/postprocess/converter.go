package postprocess

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"mapillary-downloader/pkg/logger"
)

// WebPExt is the extension of converted images
const WebPExt = ".webp"

// Converter recompresses one image file, replacing it on success. On
// failure the original must be left untouched.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// CWebPConverter runs cwebp with every metadata block preserved
type CWebPConverter struct {
	binary string
	logger logger.Logger
}

// NewCWebPConverter creates a converter using the cwebp found at binary
func NewCWebPConverter(binary string, log logger.Logger) *CWebPConverter {
	if binary == "" {
		binary = "cwebp"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &CWebPConverter{binary: binary, logger: log.WithField("component", "converter")}
}

// Available reports whether the cwebp binary can be found
func (c *CWebPConverter) Available() error {
	_, err := exec.LookPath(c.binary)
	return err
}

// Convert turns <id>.jpg into <id>.webp and removes the JPEG
func (c *CWebPConverter) Convert(ctx context.Context, path string) (string, error) {
	dir := filepath.Dir(path)
	target := strings.TrimSuffix(path, filepath.Ext(path)) + WebPExt

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, c.binary, "-quiet", "-metadata", "all", path, "-o", tmpPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cwebp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("cwebp produced an empty file")
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("failed to move converted image into place: %w", err)
	}
	if err := os.Remove(path); err != nil {
		c.logger.WithError(err).Warn("Converted image but could not remove original")
	}
	return target, nil
}
