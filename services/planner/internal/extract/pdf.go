package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

const pdftotextTimeout = 30 * time.Second

func pdftotextAvailable() bool {
	_, err := exec.LookPath("pdftotext")
	return err == nil
}

// pdfText prefers poppler's pdftotext, which copes better with complex
// layouts, and falls back to the pure Go reader.
func (e *Extractor) pdfText(ctx context.Context, data []byte) (string, string, error) {
	if e.usePdftotext {
		text, err := e.pdftotext(ctx, data)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, MethodPdftotext, nil
		}
	}
	text, err := goPDFText(data)
	return text, MethodPDF, err
}

func (e *Extractor) pdftotext(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp(e.tempDir, "extract-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp pdf: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pdftotextTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pdftotext", "-layout", "-enc", "UTF-8", tmp.Name(), "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	// pdftotext separates pages with form feeds.
	return joinPages(strings.Split(string(out), "\f")), nil
}

func goPDFText(data []byte) (text string, err error) {
	// The reader panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	pages := make([]string, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages[i-1] = content
	}
	text = joinPages(pages)
	if text == "" {
		return "", errors.New("no text extracted from pdf")
	}
	return text, nil
}

// joinPages tags each non-empty page so generated citations can name it.
func joinPages(pages []string) string {
	var sb strings.Builder
	for i, p := range pages {
		p = normalizeText(p)
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[Page %d]\n%s", i+1, p)
	}
	return sb.String()
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}
