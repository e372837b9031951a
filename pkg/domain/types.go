package domain

import (
	"strings"
	"time"
)

// TotalQuestionWeight is the sum every topic breakdown must reach.
const TotalQuestionWeight = 6

// CitationMarker separates a task from its notes citation.
const CitationMarker = "Ref:"

type FileType string

const (
	FileTypeQuestionPaper FileType = "question_paper"
	FileTypeNotes         FileType = "notes"
	FileTypeSyllabus      FileType = "syllabus"
)

// Valid reports whether t is a known file type.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeQuestionPaper, FileTypeNotes, FileTypeSyllabus:
		return true
	}
	return false
}

type DifficultyLevel string

const (
	DifficultyEasy   DifficultyLevel = "Easy"
	DifficultyMedium DifficultyLevel = "Medium"
	DifficultyHard   DifficultyLevel = "Hard"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type UploadedDocument struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Filename      string    `json:"filename"`
	FileType      FileType  `json:"fileType"`
	ContentType   string    `json:"contentType,omitempty"`
	SizeBytes     int64     `json:"sizeBytes"`
	ExtractedText string    `json:"extractedText"`
	StorageKey    string    `json:"storageKey,omitempty"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

type Topic struct {
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	Description string `json:"description"`
}

type DifficultyAnalysis struct {
	Level     DifficultyLevel `json:"level"`
	Reasoning string          `json:"reasoning"`
}

type QuestionSolution struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	FoundInNotes bool   `json:"foundInNotes"`
}

type QuestionPaperAnalysis struct {
	ID                 string             `json:"id"`
	DocumentID         string             `json:"documentId"`
	TopicBreakdown     []Topic            `json:"topicBreakdown"`
	DifficultyAnalysis DifficultyAnalysis `json:"difficultyAnalysis"`
	ImportantQuestions []string           `json:"importantQuestions"`
	Solutions          []QuestionSolution `json:"solutions,omitempty"`
	NotesDocumentIDs   []string           `json:"notesDocumentIds,omitempty"`
}

// TotalWeight sums the topic weights.
func (a QuestionPaperAnalysis) TotalWeight() int {
	total := 0
	for _, t := range a.TopicBreakdown {
		total += t.Weight
	}
	return total
}

type StudyDay struct {
	Day       int      `json:"day"`
	Topics    []string `json:"topics"`
	Tasks     []string `json:"tasks"`
	FocusArea string   `json:"focusArea"`
}

// SplitTask separates a task into its text and the citation following
// CitationMarker, if any.
func SplitTask(task string) (text, citation string) {
	idx := strings.Index(task, CitationMarker)
	if idx < 0 {
		return strings.TrimSpace(task), ""
	}
	text = strings.TrimRight(strings.TrimSpace(task[:idx]), "([-– ")
	citation = strings.TrimSpace(task[idx+len(CitationMarker):])
	citation = strings.TrimRight(citation, ")] ")
	return text, citation
}

type PlanInputs struct {
	Difficulty     string `json:"difficulty"`
	KnowledgeLevel string `json:"knowledgeLevel"`
	DaysLeft       int    `json:"daysLeft"`
}

type StudyPlan struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	DocumentID    string     `json:"documentId,omitempty"`
	Inputs        PlanInputs `json:"inputs"`
	GeneratedPlan []StudyDay `json:"generatedPlan"`
	LastModified  time.Time  `json:"lastModified"`
}
