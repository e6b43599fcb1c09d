// Package document turns uploaded office files into plain text.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrConversionFailed = errors.New("文件转换为PDF失败")
	ErrNoText           = errors.New("PDF文本提取失败")
)

type ConverterConfig struct {
	Binary     string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// NativeSpreadsheets hands .xlsx files to the text reader as they are.
	NativeSpreadsheets bool
}

// LibreOffice converts office documents to PDF with a headless soffice.
type LibreOffice struct {
	cfg    ConverterConfig
	runner Runner
}

func NewLibreOffice(cfg ConverterConfig, runner Runner) *LibreOffice {
	if cfg.Binary == "" {
		cfg.Binary = "libreoffice"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &LibreOffice{cfg: cfg, runner: runner}
}

// PDFPath is where the converted copy of path is written.
func PDFPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".pdf"
}

// ToPDF converts path to a PDF next to it and returns the PDF path. PDFs,
// and spreadsheets when read natively, are returned unchanged.
func (c *LibreOffice) ToPDF(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pdf" || (ext == ".xlsx" && c.cfg.NativeSpreadsheets) {
		return path, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}

	// A private profile keeps concurrent conversions from sharing one soffice instance.
	profile, err := os.MkdirTemp("", "lo-profile-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	defer os.RemoveAll(profile)

	pdfPath := PDFPath(path)
	args := []string{
		"--headless", "--norestore",
		"-env:UserInstallation=" + fileURL(profile),
		"--convert-to", "pdf",
		"--outdir", filepath.Dir(path),
		path,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrConversionFailed, ctx.Err())
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		lastErr = c.convertOnce(ctx, args, pdfPath)
		if lastErr == nil {
			log.Info().Str("file", path).Int("attempt", attempt).Msg("pdf conversion done")
			return pdfPath, nil
		}
		log.Warn().Err(lastErr).Str("file", path).Int("attempt", attempt).Msg("pdf conversion attempt failed")
		if err := os.Remove(pdfPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", pdfPath).Msg("remove partial pdf")
		}
		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("%w: %v", ErrConversionFailed, lastErr)
}

func (c *LibreOffice) convertOnce(ctx context.Context, args []string, pdfPath string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, stderr, err := c.runner.Run(attemptCtx, c.cfg.Binary, args...)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", c.cfg.Timeout)
		}
		return fmt.Errorf("%s: %w: %s", c.cfg.Binary, err, truncate(string(stderr), 500))
	}

	info, err := os.Stat(pdfPath)
	if err != nil {
		return fmt.Errorf("no pdf produced: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("empty pdf produced")
	}
	return nil
}

func fileURL(dir string) string {
	p := filepath.ToSlash(dir)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + p
}
