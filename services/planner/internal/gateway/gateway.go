// Package gateway turns study-aid requests into prompts for a generative
// text backend and parses the JSON it returns into domain types.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"examprep/internal/metrics"
	"examprep/internal/util"
	"examprep/pkg/ai"
	"examprep/pkg/domain"
)

// Operation names, used in errors, logs and metrics.
const (
	OpAnalyze  = "analyze"
	OpSolve    = "solve"
	OpGenerate = "generate_plan"
	OpRefine   = "refine_plan"
)

// ExternalKnowledgePrefix marks answers not grounded in the supplied notes.
const ExternalKnowledgePrefix = "[Sourced from External Knowledge]"

// GenerationError is returned when the backend call fails or, for Analyze,
// when its reply cannot be used.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// AnalysisResult is the parsed reply of Analyze.
type AnalysisResult struct {
	TopicBreakdown     []domain.Topic            `json:"topicBreakdown"`
	DifficultyAnalysis domain.DifficultyAnalysis `json:"difficultyAnalysis"`
	ImportantQuestions []string                  `json:"importantQuestions"`
}

// PlanRequest carries the inputs of GeneratePlan.
type PlanRequest struct {
	Topics         []domain.Topic
	DaysLeft       int
	KnowledgeLevel string
	Difficulty     string
	// NotesContext is the extracted text of notes previously used to solve
	// questions for the document. Empty means no notes.
	NotesContext string
}

// Gateway issues one blocking backend call per operation.
type Gateway struct {
	generator ai.TextGenerator
	planner   ai.TextGenerator
}

// New builds a Gateway. planner serves GeneratePlan and may be nil, in which
// case generator is used for everything.
func New(generator, planner ai.TextGenerator) (*Gateway, error) {
	if generator == nil {
		return nil, errors.New("gateway requires a text generator")
	}
	if planner == nil {
		planner = generator
	}
	return &Gateway{generator: generator, planner: planner}, nil
}

// Analyze extracts weighted topics, difficulty and recurring question
// patterns from paper text. Weights are normalized to sum to
// domain.TotalQuestionWeight.
func (g *Gateway) Analyze(ctx context.Context, paperText string) (AnalysisResult, error) {
	raw, err := g.call(ctx, OpAnalyze, g.generator, analyzeSystemPrompt, analyzeUserPrompt(paperText))
	if err != nil {
		return AnalysisResult{}, err
	}
	var res AnalysisResult
	if err := decodeJSON(raw, &res); err != nil {
		metrics.ObserveAICall(OpAnalyze, metrics.OutcomeParseError, 0)
		return AnalysisResult{}, &GenerationError{Op: OpAnalyze, Err: fmt.Errorf("decode reply: %w", err)}
	}
	topics, changed, err := NormalizeWeights(res.TopicBreakdown)
	if err != nil {
		return AnalysisResult{}, &GenerationError{Op: OpAnalyze, Err: err}
	}
	if changed {
		util.LoggerFromContext(ctx).Warn("topic weights rescaled",
			"reported_total", sumWeights(res.TopicBreakdown),
			"target_total", domain.TotalQuestionWeight,
		)
	}
	res.TopicBreakdown = topics
	res.DifficultyAnalysis.Level = normalizeLevel(res.DifficultyAnalysis.Level)
	res.ImportantQuestions = compactStrings(res.ImportantQuestions)
	return res, nil
}

// SolveFromNotes answers questions from notes. The grounding flag is taken
// as reported; ungrounded answers always carry ExternalKnowledgePrefix.
// An unusable reply yields an empty slice and no error.
func (g *Gateway) SolveFromNotes(ctx context.Context, questions []string, notes string) ([]domain.QuestionSolution, error) {
	questions = compactStrings(questions)
	if len(questions) == 0 {
		return nil, nil
	}
	raw, err := g.call(ctx, OpSolve, g.generator, solveSystemPrompt, solveUserPrompt(questions, notes))
	if err != nil {
		return nil, err
	}
	solutions, ok := decodeSolutions(raw)
	if !ok {
		g.logUnusable(ctx, OpSolve, raw)
		return nil, nil
	}
	out := make([]domain.QuestionSolution, 0, len(solutions))
	for _, s := range solutions {
		if strings.TrimSpace(s.Question) == "" && strings.TrimSpace(s.Answer) == "" {
			continue
		}
		if !s.FoundInNotes && !strings.HasPrefix(strings.TrimSpace(s.Answer), ExternalKnowledgePrefix) {
			s.Answer = ExternalKnowledgePrefix + " " + strings.TrimSpace(s.Answer)
		}
		out = append(out, s)
	}
	return out, nil
}

// GeneratePlan produces a day-by-day schedule. The number of days may differ
// from req.DaysLeft; day numbers are unique. An unusable reply yields an
// empty slice and no error.
func (g *Gateway) GeneratePlan(ctx context.Context, req PlanRequest) ([]domain.StudyDay, error) {
	prompt, err := planUserPrompt(req)
	if err != nil {
		return nil, &GenerationError{Op: OpGenerate, Err: err}
	}
	raw, err := g.call(ctx, OpGenerate, g.planner, planSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	days, ok := decodeDays(raw)
	if !ok {
		g.logUnusable(ctx, OpGenerate, raw)
		return nil, nil
	}
	return NormalizeDays(days), nil
}

// RefinePlan returns a complete replacement for current reflecting the
// instruction. An unusable reply yields an empty slice and no error.
func (g *Gateway) RefinePlan(ctx context.Context, current []domain.StudyDay, instruction string) ([]domain.StudyDay, error) {
	prompt, err := refineUserPrompt(current, instruction)
	if err != nil {
		return nil, &GenerationError{Op: OpRefine, Err: err}
	}
	raw, err := g.call(ctx, OpRefine, g.generator, refineSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	days, ok := decodeDays(raw)
	if !ok {
		g.logUnusable(ctx, OpRefine, raw)
		return nil, nil
	}
	return NormalizeDays(days), nil
}

func (g *Gateway) call(ctx context.Context, op string, gen ai.TextGenerator, system, user string) (string, error) {
	start := time.Now()
	raw, err := ai.GenerateJSON(ctx, gen, system, user)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveAICall(op, metrics.OutcomeError, elapsed)
		util.LoggerFromContext(ctx).Error("generation call failed", "op", op, "duration_ms", elapsed.Milliseconds(), "err", err)
		return "", &GenerationError{Op: op, Err: err}
	}
	metrics.ObserveAICall(op, metrics.OutcomeOK, elapsed)
	util.LoggerFromContext(ctx).Debug("generation call", "op", op, "duration_ms", elapsed.Milliseconds(), "reply_bytes", len(raw))
	return raw, nil
}

func (g *Gateway) logUnusable(ctx context.Context, op, raw string) {
	metrics.ObserveAICall(op, metrics.OutcomeParseError, 0)
	preview := raw
	if len(preview) > 200 {
		preview = preview[:200]
	}
	util.LoggerFromContext(ctx).Warn("discarding unusable generation reply", "op", op, "preview", preview)
}

func decodeSolutions(raw string) ([]domain.QuestionSolution, bool) {
	var list []domain.QuestionSolution
	if err := decodeJSON(raw, &list); err == nil {
		return list, true
	}
	// JSON-object response modes cannot return a bare array.
	var wrapped struct {
		Solutions []domain.QuestionSolution `json:"solutions"`
	}
	if err := decodeJSON(raw, &wrapped); err == nil && wrapped.Solutions != nil {
		return wrapped.Solutions, true
	}
	return nil, false
}

func decodeDays(raw string) ([]domain.StudyDay, bool) {
	var wrapped struct {
		Days []domain.StudyDay `json:"days"`
	}
	if err := decodeJSON(raw, &wrapped); err == nil {
		return wrapped.Days, true
	}
	var list []domain.StudyDay
	if err := decodeJSON(raw, &list); err == nil {
		return list, true
	}
	return nil, false
}

// decodeJSON strips markdown code fences some models add in text mode.
func decodeJSON(raw string, out any) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty reply")
	}
	return json.Unmarshal([]byte(text), out)
}

func normalizeLevel(level domain.DifficultyLevel) domain.DifficultyLevel {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "easy":
		return domain.DifficultyEasy
	case "hard":
		return domain.DifficultyHard
	default:
		return domain.DifficultyMedium
	}
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
