package qc

import (
	"sync"

	"restoration/internal/domain"
)

// SessionSummary aggregates decision outcomes for one session.
type SessionSummary struct {
	Decisions    int     `json:"decisions"`
	Approved     int     `json:"approved"`
	Retried      int     `json:"retried"`
	Reviewed     int     `json:"reviewed"`
	Rejected     int     `json:"rejected"`
	ApprovalRate float64 `json:"approval_rate"`
	RetryRate    float64 `json:"retry_rate"`
	AvgQuality   float64 `json:"avg_quality"`
}

// SessionStats accumulates per-session decision history for analytics.
type SessionStats struct {
	mu       sync.Mutex
	sessions map[string]*sessionAccumulator
}

type sessionAccumulator struct {
	summary    SessionSummary
	qualitySum float64
}

// NewSessionStats constructs an empty collector.
func NewSessionStats() *SessionStats {
	return &SessionStats{sessions: make(map[string]*sessionAccumulator)}
}

// Record folds one decision into the session's running summary.
func (s *SessionStats) Record(sessionID string, decision domain.QCDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.sessions[sessionID]
	if !ok {
		acc = &sessionAccumulator{}
		s.sessions[sessionID] = acc
	}

	acc.summary.Decisions++
	acc.qualitySum += decision.Scores.Overall
	switch decision.Action {
	case domain.ActionApprove, domain.ActionApproveWithNotes:
		acc.summary.Approved++
	case domain.ActionRetry:
		acc.summary.Retried++
	case domain.ActionManualReview:
		acc.summary.Reviewed++
	case domain.ActionReject:
		acc.summary.Rejected++
	}

	n := float64(acc.summary.Decisions)
	acc.summary.ApprovalRate = float64(acc.summary.Approved) / n
	acc.summary.RetryRate = float64(acc.summary.Retried) / n
	acc.summary.AvgQuality = acc.qualitySum / n
}

// Summary returns the current aggregate for a session.
func (s *SessionStats) Summary(sessionID string) (SessionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.sessions[sessionID]
	if !ok {
		return SessionSummary{}, false
	}
	return acc.summary, true
}
