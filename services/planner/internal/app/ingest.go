package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"examprep/internal/metrics"
	"examprep/internal/util"
	"examprep/pkg/domain"
	"examprep/pkg/storage"
	"examprep/services/planner/internal/extract"
)

// Upload is one file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IngestResult lists the stored documents and, when analysis succeeded, the
// analysis keyed on the first document.
type IngestResult struct {
	Documents []domain.UploadedDocument
	Analysis  *domain.QuestionPaperAnalysis
}

// IngestPapers stores every upload as a Document and analyzes their combined
// text once. Documents are created in upload order before analysis starts,
// so a failed analysis leaves them in place; the partial result is returned
// alongside the error.
func (a *App) IngestPapers(ctx context.Context, sess Session, uploads []Upload, fileType domain.FileType) (IngestResult, error) {
	if fileType == "" {
		fileType = domain.FileTypeQuestionPaper
	}
	if !fileType.Valid() {
		return IngestResult{}, invalid("fileType", "unknown file type")
	}
	if len(uploads) == 0 {
		return IngestResult{}, invalid("files", "at least one file is required")
	}
	docs, err := a.storeUploads(ctx, sess, uploads, fileType)
	result := IngestResult{Documents: docs}
	if err != nil {
		return result, err
	}
	if fileType == domain.FileTypeNotes {
		return result, nil
	}

	analysis, err := a.gateway.Analyze(ctx, combinePapers(docs))
	if err != nil {
		return result, err
	}
	saved, err := a.store.UpsertAnalysis(ctx, domain.QuestionPaperAnalysis{
		DocumentID:         docs[0].ID,
		TopicBreakdown:     analysis.TopicBreakdown,
		DifficultyAnalysis: analysis.DifficultyAnalysis,
		ImportantQuestions: analysis.ImportantQuestions,
	})
	if err != nil {
		return result, fmt.Errorf("save analysis: %w", err)
	}
	util.LoggerFromContext(ctx).Info("papers analyzed",
		"user_id", sess.UserID(),
		"document_id", saved.DocumentID,
		"files", len(docs),
		"topics", len(saved.TopicBreakdown),
	)
	result.Analysis = &saved
	return result, nil
}

// storeUploads extracts text concurrently, then archives and persists each
// upload sequentially in input order.
func (a *App) storeUploads(ctx context.Context, sess Session, uploads []Upload, fileType domain.FileType) ([]domain.UploadedDocument, error) {
	uploads = slices.Clone(uploads)
	for i := range uploads {
		uploads[i].Filename = displayFilename(uploads[i].Filename)
		if uploads[i].Filename == "" {
			return nil, invalid("files", "filename required")
		}
	}

	extracted := make([]extract.Result, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, up := range uploads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			extracted[i] = a.extractor.Extract(gctx, up.Filename, up.ContentType, up.Data, fileType)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]domain.UploadedDocument, 0, len(uploads))
	for i, up := range uploads {
		contentType := detectContentType(up)
		storageKey := a.archive(ctx, sess, up, contentType)
		doc, err := a.store.CreateDocument(ctx, domain.UploadedDocument{
			UserID:        sess.UserID(),
			Filename:      up.Filename,
			FileType:      fileType,
			ContentType:   contentType,
			SizeBytes:     int64(len(up.Data)),
			ExtractedText: extracted[i].Text,
			StorageKey:    storageKey,
		})
		if err != nil {
			if storageKey != "" {
				_ = a.objects.Delete(ctx, storageKey)
			}
			return docs, fmt.Errorf("save document %q: %w", up.Filename, err)
		}
		metrics.IncDocumentIngested(string(fileType), extracted[i].Method)
		docs = append(docs, doc)
	}
	return docs, nil
}

// archive stores the raw bytes when an object store is configured. Archive
// failures are logged and the document is kept without a download copy.
func (a *App) archive(ctx context.Context, sess Session, up Upload, contentType string) string {
	if a.objects == nil {
		return ""
	}
	key := buildStorageKey(sess.UserID(), up.Filename)
	if err := a.objects.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), contentType); err != nil {
		util.LoggerFromContext(ctx).Warn("archive upload failed", "file", up.Filename, "err", err)
		return ""
	}
	return key
}

// ListDocuments returns the user's documents, newest first.
func (a *App) ListDocuments(ctx context.Context, sess Session) ([]domain.UploadedDocument, error) {
	docs, err := a.store.ListDocumentsByUser(ctx, sess.UserID())
	if err != nil {
		return nil, err
	}
	slices.Reverse(docs)
	return docs, nil
}

// GetDocument returns a document owned by the session user.
func (a *App) GetDocument(ctx context.Context, sess Session, id string) (domain.UploadedDocument, error) {
	doc, ok, err := a.store.GetDocument(ctx, id)
	if err != nil {
		return domain.UploadedDocument{}, err
	}
	if !ok || doc.UserID != sess.UserID() {
		return domain.UploadedDocument{}, notFound("document")
	}
	return doc, nil
}

// DocumentDownload is either a direct URL or a stream of the archived file.
type DocumentDownload struct {
	Document domain.UploadedDocument
	URL      string
	Body     io.ReadCloser
}

// OpenDocument locates the archived original of a document.
func (a *App) OpenDocument(ctx context.Context, sess Session, id string) (DocumentDownload, error) {
	doc, err := a.GetDocument(ctx, sess, id)
	if err != nil {
		return DocumentDownload{}, err
	}
	if a.objects == nil || doc.StorageKey == "" {
		return DocumentDownload{}, &NotFoundError{Resource: "file", Message: "original file was not archived"}
	}
	if p, ok := a.objects.(storage.Presigner); ok {
		url, err := p.PresignGet(ctx, doc.StorageKey, a.presignExpiry)
		if err != nil {
			return DocumentDownload{}, err
		}
		return DocumentDownload{Document: doc, URL: url}, nil
	}
	body, err := a.objects.Open(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return DocumentDownload{}, &NotFoundError{Resource: "file", Message: "original file was not archived"}
		}
		return DocumentDownload{}, err
	}
	return DocumentDownload{Document: doc, Body: body}, nil
}

func combinePapers(docs []domain.UploadedDocument) string {
	var sb strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&sb, "\nFILE_NAME: %s\n%s\n---", d.Filename, d.ExtractedText)
	}
	return sb.String()
}

func combineNotes(docs []domain.UploadedDocument) string {
	var sb strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&sb, "\n--- SOURCE: %s ---\n%s\n", d.Filename, d.ExtractedText)
	}
	return sb.String()
}

func detectContentType(up Upload) string {
	ct := strings.TrimSpace(up.ContentType)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(up.Filename))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func displayFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func buildStorageKey(userID, filename string) string {
	name := sanitizeFilename(filename)
	if name == "" {
		name = "upload"
	}
	return path.Join("documents", userID, uuid.NewString(), name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
