package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"examprep/pkg/domain"
)

// Medium keys. They are part of the on-disk format and must not change.
const (
	KeyUsers       = "aa_users"
	KeyDocuments   = "aa_documents"
	KeyAnalyses    = "aa_analysis"
	KeyPlans       = "aa_plans"
	KeyCurrentUser = "aa_current_user"
)

// Store is the typed persistence facade over four collections and the
// current-identity slot.
type Store struct {
	medium Medium

	users     *Collection[domain.User]
	documents *Collection[domain.UploadedDocument]
	analyses  *Collection[domain.QuestionPaperAnalysis]
	plans     *Collection[domain.StudyPlan]
}

// New builds a Store on medium.
func New(medium Medium) *Store {
	return &Store{
		medium: medium,
		users: NewCollection(medium, KeyUsers, Schema[domain.User]{
			ID:       func(u *domain.User) *string { return &u.ID },
			OnCreate: func(u *domain.User, now time.Time) { u.CreatedAt = now },
		}),
		documents: NewCollection(medium, KeyDocuments, Schema[domain.UploadedDocument]{
			ID:       func(d *domain.UploadedDocument) *string { return &d.ID },
			OnCreate: func(d *domain.UploadedDocument, now time.Time) { d.UploadedAt = now },
		}),
		analyses: NewCollection(medium, KeyAnalyses, Schema[domain.QuestionPaperAnalysis]{
			ID: func(a *domain.QuestionPaperAnalysis) *string { return &a.ID },
		}),
		plans: NewCollection(medium, KeyPlans, Schema[domain.StudyPlan]{
			ID:       func(p *domain.StudyPlan) *string { return &p.ID },
			OnUpdate: func(p *domain.StudyPlan, now time.Time) { p.LastModified = now },
		}),
	}
}

// NormalizeEmail is the canonical form used as the user lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// users

func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	email = NormalizeEmail(email)
	return s.users.FindOne(ctx, func(u domain.User) bool { return u.Email == email })
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	return s.users.FindOne(ctx, func(u domain.User) bool { return u.ID == id })
}

// CreateUser stores a new user. Email uniqueness is enforced by callers.
func (s *Store) CreateUser(ctx context.Context, email string) (domain.User, error) {
	return s.users.Create(ctx, domain.User{Email: NormalizeEmail(email)})
}

// documents

func (s *Store) CreateDocument(ctx context.Context, doc domain.UploadedDocument) (domain.UploadedDocument, error) {
	return s.documents.Create(ctx, doc)
}

func (s *Store) GetDocument(ctx context.Context, id string) (domain.UploadedDocument, bool, error) {
	return s.documents.FindOne(ctx, func(d domain.UploadedDocument) bool { return d.ID == id })
}

// ListDocumentsByUser returns the user's documents in upload order.
func (s *Store) ListDocumentsByUser(ctx context.Context, userID string) ([]domain.UploadedDocument, error) {
	return s.documents.Filter(ctx, func(d domain.UploadedDocument) bool { return d.UserID == userID })
}

// analyses

func (s *Store) GetAnalysisByDocument(ctx context.Context, documentID string) (domain.QuestionPaperAnalysis, bool, error) {
	return s.analyses.FindOne(ctx, func(a domain.QuestionPaperAnalysis) bool { return a.DocumentID == documentID })
}

// UpsertAnalysis replaces the analysis for the same document or creates one.
func (s *Store) UpsertAnalysis(ctx context.Context, a domain.QuestionPaperAnalysis) (domain.QuestionPaperAnalysis, error) {
	return s.analyses.Upsert(ctx, a, func(a domain.QuestionPaperAnalysis) string { return a.DocumentID })
}

// plans

func (s *Store) CreatePlan(ctx context.Context, p domain.StudyPlan) (domain.StudyPlan, error) {
	return s.plans.Create(ctx, p)
}

func (s *Store) GetPlan(ctx context.Context, id string) (domain.StudyPlan, bool, error) {
	return s.plans.FindOne(ctx, func(p domain.StudyPlan) bool { return p.ID == id })
}

// ListPlansByUser returns the user's plans in creation order.
func (s *Store) ListPlansByUser(ctx context.Context, userID string) ([]domain.StudyPlan, error) {
	return s.plans.Filter(ctx, func(p domain.StudyPlan) bool { return p.UserID == userID })
}

// UpdatePlan replaces the day schedule of an existing plan and bumps
// lastModified. The plan id and owner never change.
func (s *Store) UpdatePlan(ctx context.Context, id string, days []domain.StudyDay) (domain.StudyPlan, bool, error) {
	return s.plans.Update(ctx, id, func(p *domain.StudyPlan) {
		p.GeneratedPlan = days
	})
}

// current identity slot

// CurrentUser returns the user stored in the identity slot.
func (s *Store) CurrentUser(ctx context.Context) (domain.User, bool, error) {
	data, ok, err := s.medium.Get(ctx, KeyCurrentUser)
	if err != nil {
		return domain.User{}, false, &StorageError{Op: "get", Key: KeyCurrentUser, Err: err}
	}
	if !ok || len(data) == 0 {
		return domain.User{}, false, nil
	}
	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil || u.ID == "" {
		slog.Warn("discarding unreadable identity slot", "err", err)
		return domain.User{}, false, nil
	}
	return u, true, nil
}

func (s *Store) SetCurrentUser(ctx context.Context, u domain.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode current user: %w", err)
	}
	if err := s.medium.Put(ctx, KeyCurrentUser, data); err != nil {
		return &StorageError{Op: "put", Key: KeyCurrentUser, Err: err}
	}
	return nil
}

func (s *Store) ClearCurrentUser(ctx context.Context) error {
	if err := s.medium.Delete(ctx, KeyCurrentUser); err != nil {
		return &StorageError{Op: "delete", Key: KeyCurrentUser, Err: err}
	}
	return nil
}
