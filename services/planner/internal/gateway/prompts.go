package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"examprep/pkg/domain"
)

const noNotesContext = "No notes available."

const analyzeSystemPrompt = `You are an exam analyst. You read past exam papers and describe what they test.
Reply with a single JSON object and nothing else.`

const solveSystemPrompt = `You are an academic tutor who answers exam questions from a student's own study notes.
Reply with JSON only.`

const planSystemPrompt = `You are a study coach who writes realistic day-by-day revision schedules.
Reply with a single JSON object and nothing else.`

const refineSystemPrompt = `You edit existing revision schedules on request. You always return the whole schedule, never a partial diff.
Reply with a single JSON object and nothing else.`

func analyzeUserPrompt(paperText string) string {
	return fmt.Sprintf(`Analyze the exam paper text below. It may contain several files, each introduced by a FILE_NAME line.

1. Extract the core topics the paper examines.
2. Give every topic an integer weight. The weights of all topics MUST add up to exactly %d.
3. Rate the overall difficulty as Easy, Medium or Hard and justify the rating.
4. List the frequent question patterns: recurring question styles, phrasings or core concepts. Describe the pattern; do not copy questions verbatim.

PAPER TEXT:
%s

JSON shape:
{
  "topicBreakdown": [{"name": "string", "weight": 0, "description": "string"}],
  "difficultyAnalysis": {"level": "Easy|Medium|Hard", "reasoning": "string"},
  "importantQuestions": ["string"]
}`, domain.TotalQuestionWeight, paperText)
}

func solveUserPrompt(questions []string, notes string) string {
	qs, _ := json.Marshal(questions)
	return fmt.Sprintf(`Solve each exam question below using the study notes as your primary source.

Rules:
- When the notes contain the answer, set "foundInNotes" to true.
- When the notes are not enough, answer from general knowledge, set "foundInNotes" to false and start the answer with "%s".
- Answer every question, in the order given.

QUESTIONS:
%s

STUDY NOTES:
%s

JSON shape:
[{"question": "string", "answer": "string", "foundInNotes": true}]`, ExternalKnowledgePrefix, qs, notes)
}

func planUserPrompt(req PlanRequest) (string, error) {
	topics, err := json.Marshal(req.Topics)
	if err != nil {
		return "", fmt.Errorf("encode topics: %w", err)
	}
	notes := strings.TrimSpace(req.NotesContext)
	citation := ""
	if notes == "" {
		notes = noNotesContext
	} else {
		citation = fmt.Sprintf(`
Study material is provided below, with file markers. Every task MUST cite where to study it, using an inline
citation that starts with "%s" followed by the file name and a page range or section, for example
"%s lecture3.pdf, Page 4-7" or "%s unit2.html, Section Heat Engines". Use section headings when pages are not visible.
`, domain.CitationMarker, domain.CitationMarker, domain.CitationMarker)
	}
	return fmt.Sprintf(`Create a daily study schedule for %d days.
Spend time on each topic in proportion to its weight.
Topics and weights: %s
Student level: %s
Intensity: %s
%s
STUDY MATERIAL CONTEXT:
%s

JSON shape:
{"days": [{"day": 1, "topics": ["string"], "tasks": ["string"], "focusArea": "string"}]}`,
		req.DaysLeft, topics, req.KnowledgeLevel, req.Difficulty, citation, notes), nil
}

func refineUserPrompt(current []domain.StudyDay, instruction string) (string, error) {
	plan, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return fmt.Sprintf(`Modify this study plan according to the request. Keep any "%s" citations that still apply.

REQUEST: %q

CURRENT PLAN:
%s

JSON shape:
{"days": [{"day": 1, "topics": ["string"], "tasks": ["string"], "focusArea": "string"}]}`,
		domain.CitationMarker, instruction, plan), nil
}
