package widget

import (
	"sync"

	"madera-chat/internal/models"
)

const defaultSessionLimit = 20

// Session is the conversation history owned by one widget.
type Session struct {
	mu    sync.Mutex
	limit int
	turns []models.HistoryMessage
}

// NewSession keeps at most limit turns; limit <= 0 uses the default.
func NewSession(limit int) *Session {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	return &Session{limit: limit}
}

// Record appends a completed exchange.
func (s *Session) Record(userText, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns,
		models.HistoryMessage{Role: models.RoleUser, Content: userText},
		models.HistoryMessage{Role: models.RoleAssistant, Content: reply},
	)
	if over := len(s.turns) - s.limit; over > 0 {
		s.turns = append([]models.HistoryMessage(nil), s.turns[over:]...)
	}
}

// History returns a copy of the recorded turns, oldest first.
func (s *Session) History() []models.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HistoryMessage(nil), s.turns...)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.turns = nil
	s.mu.Unlock()
}
