package document

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

// TextReader pulls plain text out of PDFs with pdftotext and out of .xlsx
// workbooks directly.
type TextReader struct {
	pdftotext string
	runner    Runner
}

func NewTextReader(pdftotext string, runner Runner) *TextReader {
	if pdftotext == "" {
		pdftotext = "pdftotext"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &TextReader{pdftotext: pdftotext, runner: runner}
}

// ExtractText fails with ErrNoText when nothing readable comes out.
func (t *TextReader) ExtractText(ctx context.Context, path string) (string, error) {
	var (
		text string
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		text, err = readWorkbook(path)
	} else {
		text, err = t.pdfToText(ctx, path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoText, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoText
	}
	log.Debug().Str("file", path).Int("chars", len([]rune(text))).Msg("text extracted")
	return text, nil
}

func (t *TextReader) pdfToText(ctx context.Context, path string) (string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := t.runner.Run(ctx, t.pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", t.pdftotext, err, truncate(string(errb), 500))
	}
	// form feeds separate pages
	return strings.ReplaceAll(string(out), "\f", "\n"), nil
}

func readWorkbook(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
