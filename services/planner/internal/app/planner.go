package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"examprep/internal/util"
	"examprep/pkg/domain"
	"examprep/services/planner/internal/gateway"
)

// Step is a state of the plan lifecycle.
type Step string

const (
	StepForm    Step = "form"
	StepLoading Step = "loading"
	StepView    Step = "view"
)

// Plan form limits and choices.
const (
	MinDaysLeft     = 1
	MaxDaysLeft     = 45
	DefaultDaysLeft = 7
)

var (
	KnowledgeLevels = []string{"Beginner", "Intermediate", "Advanced"}
	Intensities     = []string{"Light", "Standard", "Intensive"}
)

// PlanForm is the generation input collected in the form step.
type PlanForm struct {
	DaysLeft       int    `json:"daysLeft"`
	KnowledgeLevel string `json:"knowledgeLevel"`
	Difficulty     string `json:"difficulty"`
}

// DefaultPlanForm is the form shown before any input.
func DefaultPlanForm() PlanForm {
	return PlanForm{DaysLeft: DefaultDaysLeft, KnowledgeLevel: KnowledgeLevels[0], Difficulty: Intensities[1]}
}

// Validate checks ranges and choices, canonicalizing the case of choices.
func (f *PlanForm) Validate() error {
	if f.DaysLeft < MinDaysLeft || f.DaysLeft > MaxDaysLeft {
		return invalid("daysLeft", fmt.Sprintf("must be between %d and %d", MinDaysLeft, MaxDaysLeft))
	}
	level, ok := matchChoice(KnowledgeLevels, f.KnowledgeLevel)
	if !ok {
		return invalid("knowledgeLevel", "must be one of "+strings.Join(KnowledgeLevels, ", "))
	}
	intensity, ok := matchChoice(Intensities, f.Difficulty)
	if !ok {
		return invalid("difficulty", "must be one of "+strings.Join(Intensities, ", "))
	}
	f.KnowledgeLevel, f.Difficulty = level, intensity
	return nil
}

// PlannerState is a snapshot of a PlanSession.
type PlannerState struct {
	Step       Step              `json:"step"`
	DocumentID string            `json:"documentId,omitempty"`
	Form       PlanForm          `json:"form"`
	Plan       *domain.StudyPlan `json:"plan,omitempty"`
	Refining   bool              `json:"refining"`
	Error      string            `json:"error,omitempty"`
	CanReset   bool              `json:"canReset"`
}

// PlanSession drives form → loading → view for one user and an optional
// document. Generation and refinement are mutually exclusive; a second
// request while one is in flight gets ErrBusy.
type PlanSession struct {
	app        *App
	userID     string
	documentID string

	mu       sync.Mutex
	step     Step
	form     PlanForm
	plan     *domain.StudyPlan
	refining bool
	errMsg   string
}

// Planner returns the plan session for the user and document, creating it on
// first use. A document must belong to the user. Every call refreshes the
// displayed plan from storage: without a document the session shows the
// user's most recent plan, if there is one.
func (a *App) Planner(ctx context.Context, sess Session, documentID string) (*PlanSession, error) {
	key := plannerKey{userID: sess.UserID(), documentID: strings.TrimSpace(documentID)}
	a.plannersMu.Lock()
	ps, ok := a.planners[key]
	a.plannersMu.Unlock()
	if !ok {
		if key.documentID != "" {
			if _, err := a.GetDocument(ctx, sess, key.documentID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, &NotFoundError{Resource: "analysis", Message: msgAnalysisMissing}
				}
				return nil, err
			}
		}
		ps = &PlanSession{
			app:        a,
			userID:     key.userID,
			documentID: key.documentID,
			step:       StepForm,
			form:       DefaultPlanForm(),
		}
		a.plannersMu.Lock()
		if existing, ok := a.planners[key]; ok {
			ps = existing
		} else {
			a.planners[key] = ps
		}
		a.plannersMu.Unlock()
	}
	if err := ps.reload(ctx); err != nil {
		return nil, err
	}
	return ps, nil
}

// reload replaces the displayed plan with its stored version. Sessions with
// a call in flight are left alone; the call writes its own result back.
func (s *PlanSession) reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == StepLoading || s.refining {
		return nil
	}
	if s.documentID == "" {
		plans, err := s.app.store.ListPlansByUser(ctx, s.userID)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			s.plan, s.step = nil, StepForm
			return nil
		}
		latest := plans[len(plans)-1]
		s.plan, s.step = &latest, StepView
		return nil
	}
	if s.plan == nil {
		return nil
	}
	stored, ok, err := s.app.store.GetPlan(ctx, s.plan.ID)
	if err != nil {
		return err
	}
	if !ok {
		s.plan, s.step = nil, StepForm
		return nil
	}
	s.plan = &stored
	return nil
}

// ListPlans returns the user's plans, most recently created first.
func (a *App) ListPlans(ctx context.Context, sess Session) ([]domain.StudyPlan, error) {
	plans, err := a.store.ListPlansByUser(ctx, sess.UserID())
	if err != nil {
		return nil, err
	}
	slices.Reverse(plans)
	return plans, nil
}

// State returns a snapshot.
func (s *PlanSession) State() PlannerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *PlanSession) stateLocked() PlannerState {
	st := PlannerState{
		Step:       s.step,
		DocumentID: s.documentID,
		Form:       s.form,
		Refining:   s.refining,
		Error:      s.errMsg,
		CanReset:   s.documentID != "",
	}
	if s.plan != nil {
		p := *s.plan
		st.Plan = &p
	}
	return st
}

// Generate validates form, requires an analysis for the session document,
// asks the gateway for a schedule and persists it as a new plan. Without a
// document nothing changes. Invalid input and a missing analysis keep the
// current step; other failures return the session to the form step.
func (s *PlanSession) Generate(ctx context.Context, form PlanForm) (PlannerState, error) {
	s.mu.Lock()
	if s.step == StepLoading || s.refining {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, ErrBusy
	}
	if s.documentID == "" {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, &NotFoundError{Resource: "analysis", Message: msgAnalysisMissing}
	}
	if err := form.Validate(); err != nil {
		s.errMsg = err.Error()
		st := s.stateLocked()
		s.mu.Unlock()
		return st, err
	}
	prev := s.step
	s.form = form
	s.step, s.errMsg = StepLoading, ""
	s.mu.Unlock()

	plan, err := s.generate(ctx, form)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			s.step, s.errMsg = prev, nf.Error()
			if s.plan == nil {
				s.step = StepForm
			}
		} else {
			s.step, s.errMsg = StepForm, "AI Generation failed: "+err.Error()
		}
		return s.stateLocked(), err
	}
	s.plan = &plan
	s.step = StepView
	return s.stateLocked(), nil
}

func (s *PlanSession) generate(ctx context.Context, form PlanForm) (domain.StudyPlan, error) {
	analysis, err := s.app.GetAnalysis(ctx, Session{User: domain.User{ID: s.userID}}, s.documentID)
	if err != nil {
		return domain.StudyPlan{}, err
	}
	notes, err := s.app.notesContext(ctx, analysis)
	if err != nil {
		return domain.StudyPlan{}, err
	}
	days, err := s.app.gateway.GeneratePlan(ctx, gateway.PlanRequest{
		Topics:         analysis.TopicBreakdown,
		DaysLeft:       form.DaysLeft,
		KnowledgeLevel: form.KnowledgeLevel,
		Difficulty:     form.Difficulty,
		NotesContext:   notes,
	})
	if err != nil {
		return domain.StudyPlan{}, err
	}
	if len(days) == 0 {
		return domain.StudyPlan{}, &gateway.GenerationError{Op: gateway.OpGenerate, Err: errors.New("empty schedule")}
	}
	plan, err := s.app.store.CreatePlan(ctx, domain.StudyPlan{
		UserID:     s.userID,
		DocumentID: s.documentID,
		Inputs: domain.PlanInputs{
			Difficulty:     form.Difficulty,
			KnowledgeLevel: form.KnowledgeLevel,
			DaysLeft:       form.DaysLeft,
		},
		GeneratedPlan: days,
	})
	if err != nil {
		return domain.StudyPlan{}, fmt.Errorf("save plan: %w", err)
	}
	util.LoggerFromContext(ctx).Info("plan generated",
		"plan_id", plan.ID,
		"document_id", s.documentID,
		"days_requested", form.DaysLeft,
		"days_returned", len(days),
		"cited_tasks", citedTasks(days),
		"has_notes", notes != "",
	)
	return plan, nil
}

func citedTasks(days []domain.StudyDay) int {
	n := 0
	for _, d := range days {
		for _, task := range d.Tasks {
			if _, citation := domain.SplitTask(task); citation != "" {
				n++
			}
		}
	}
	return n
}

// Refine applies a free-text change to the displayed plan. A blank
// instruction is ignored. Gateway or storage failures are logged and leave
// the plan as it was; applied reports whether the plan changed.
func (s *PlanSession) Refine(ctx context.Context, instruction string) (state PlannerState, applied bool, err error) {
	instruction = strings.TrimSpace(instruction)
	s.mu.Lock()
	if s.step == StepLoading || s.refining {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, false, ErrBusy
	}
	if s.step != StepView || s.plan == nil {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, false, ErrNoPlan
	}
	if instruction == "" {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, false, nil
	}
	current := *s.plan
	s.refining = true
	s.mu.Unlock()

	latest, ok := s.refine(ctx, current, instruction)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refining = false
	s.plan = &latest
	return s.stateLocked(), ok, nil
}

// refine returns the newest known version of the plan and whether the
// instruction was applied to it. The stored plan is the starting point, so
// refinements made through another session are kept.
func (s *PlanSession) refine(ctx context.Context, current domain.StudyPlan, instruction string) (domain.StudyPlan, bool) {
	logger := util.LoggerFromContext(ctx).With("plan_id", current.ID)
	stored, found, err := s.app.store.GetPlan(ctx, current.ID)
	if err != nil {
		logger.Warn("loading plan for refinement failed, keeping current plan", "err", err)
		return current, false
	}
	if !found {
		logger.Warn("plan to refine no longer exists, keeping current plan")
		return current, false
	}
	current = stored
	days, err := s.app.gateway.RefinePlan(ctx, current.GeneratedPlan, instruction)
	if err != nil {
		logger.Warn("plan refinement failed, keeping current plan", "err", err)
		return current, false
	}
	if len(days) == 0 {
		logger.Warn("plan refinement returned no days, keeping current plan")
		return current, false
	}
	updated, found, err := s.app.store.UpdatePlan(ctx, current.ID, days)
	if err != nil {
		logger.Warn("saving refined plan failed, keeping current plan", "err", err)
		return current, false
	}
	if !found {
		logger.Warn("refined plan no longer exists, keeping current plan")
		return current, false
	}
	logger.Info("plan refined", "days", len(days))
	return updated, true
}

// Reset forgets the displayed plan and returns to the form. The stored plan
// is kept. Only document-scoped sessions can reset.
func (s *PlanSession) Reset() (PlannerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.documentID == "" {
		return s.stateLocked(), ErrResetUnavailable
	}
	if s.step == StepLoading || s.refining {
		return s.stateLocked(), ErrBusy
	}
	s.plan = nil
	s.step = StepForm
	s.errMsg = ""
	return s.stateLocked(), nil
}

func matchChoice(choices []string, value string) (string, bool) {
	value = strings.TrimSpace(value)
	for _, c := range choices {
		if strings.EqualFold(c, value) {
			return c, true
		}
	}
	return "", false
}
