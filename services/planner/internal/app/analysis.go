package app

import (
	"context"
	"errors"
	"fmt"

	"examprep/internal/util"
	"examprep/pkg/domain"
	"examprep/services/planner/internal/gateway"
)

// GetAnalysis returns the analysis of a document owned by the session user.
func (a *App) GetAnalysis(ctx context.Context, sess Session, documentID string) (domain.QuestionPaperAnalysis, error) {
	if _, err := a.GetDocument(ctx, sess, documentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.QuestionPaperAnalysis{}, &NotFoundError{Resource: "analysis", Message: msgAnalysisMissing}
		}
		return domain.QuestionPaperAnalysis{}, err
	}
	analysis, ok, err := a.store.GetAnalysisByDocument(ctx, documentID)
	if err != nil {
		return domain.QuestionPaperAnalysis{}, err
	}
	if !ok {
		return domain.QuestionPaperAnalysis{}, &NotFoundError{Resource: "analysis", Message: msgAnalysisMissing}
	}
	return analysis, nil
}

// SolveWithNotes stores notes uploads as notes documents and answers the
// analysis' important questions from them. The analysis is only rewritten
// when at least one solution comes back; otherwise it is returned unchanged
// together with the error.
func (a *App) SolveWithNotes(ctx context.Context, sess Session, documentID string, uploads []Upload) (domain.QuestionPaperAnalysis, error) {
	analysis, err := a.GetAnalysis(ctx, sess, documentID)
	if err != nil {
		return domain.QuestionPaperAnalysis{}, err
	}
	if len(uploads) == 0 {
		return analysis, invalid("files", "at least one notes file is required")
	}
	if len(analysis.ImportantQuestions) == 0 {
		return analysis, invalid("importantQuestions", "analysis has no questions to solve")
	}
	notes, err := a.storeUploads(ctx, sess, uploads, domain.FileTypeNotes)
	if err != nil {
		return analysis, err
	}

	solutions, err := a.gateway.SolveFromNotes(ctx, analysis.ImportantQuestions, combineNotes(notes))
	if err != nil {
		return analysis, err
	}
	if len(solutions) == 0 {
		return analysis, &gateway.GenerationError{Op: gateway.OpSolve, Err: errors.New("no solutions returned")}
	}

	analysis.Solutions = solutions
	analysis.NotesDocumentIDs = make([]string, 0, len(notes))
	for _, n := range notes {
		analysis.NotesDocumentIDs = append(analysis.NotesDocumentIDs, n.ID)
	}
	saved, err := a.store.UpsertAnalysis(ctx, analysis)
	if err != nil {
		return analysis, fmt.Errorf("save solutions: %w", err)
	}
	grounded := 0
	for _, s := range solutions {
		if s.FoundInNotes {
			grounded++
		}
	}
	util.LoggerFromContext(ctx).Info("questions solved from notes",
		"document_id", documentID,
		"solutions", len(solutions),
		"found_in_notes", grounded,
	)
	return saved, nil
}

// notesContext rebuilds the notes text used to solve the analysis, for
// plan citations. Analyses solved before notes were stored as documents only
// get a generic marker.
func (a *App) notesContext(ctx context.Context, analysis domain.QuestionPaperAnalysis) (string, error) {
	if len(analysis.NotesDocumentIDs) == 0 {
		if len(analysis.Solutions) > 0 {
			return "Reference documents were provided in the solving lab.", nil
		}
		return "", nil
	}
	docs := make([]domain.UploadedDocument, 0, len(analysis.NotesDocumentIDs))
	for _, id := range analysis.NotesDocumentIDs {
		doc, ok, err := a.store.GetDocument(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			docs = append(docs, doc)
		}
	}
	return combineNotes(docs), nil
}
