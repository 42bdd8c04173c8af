package storage

import "time"

type Credential struct {
	UserID       string
	Provider     string
	EncAPIKey    string
	StorePref    string
	DefaultModel string
	UpdatedAt    time.Time
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the full chat document.
type Session struct {
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	ProblemID string    `json:"problemId"`
	ImageURL  *string   `json:"imageUrl,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionSummary struct {
	ChatID       string    `json:"chatId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	ImageURL     *string   `json:"imageUrl,omitempty"`
}

type StatsFilter struct {
	UserID    string
	ProblemID string
}

type Stats struct {
	TotalSessions         int64   `json:"totalSessions"`
	TotalMessages         int64   `json:"totalMessages"`
	AvgMessagesPerSession float64 `json:"avgMessagesPerSession"`
	DistinctUserCount     int64   `json:"distinctUserCount"`
	DistinctProblemCount  int64   `json:"distinctProblemCount"`
}

// AISettings holds a user's chat defaults.
type AISettings struct {
	UserID          string
	DefaultProvider string
	DefaultModel    string
	PrePrompt       string
	UpdatedAt       time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	MetaJSON string
}
