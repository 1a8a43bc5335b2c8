package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/coach-bot/internal/models"
)

type checkinKey struct {
	recipientID int64
	periodKey   string
}

type participant struct {
	inGroup        bool
	checkinEnabled bool
}

type MemoryStorage struct {
	mu           sync.RWMutex
	messages     map[string]*models.Message
	unread       map[models.UnreadKey]int
	checkins     map[checkinKey]*models.CheckinRun
	participants map[int64]*participant
	modConfigs   map[models.Scope]*models.ModerationConfig
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:     make(map[string]*models.Message),
		unread:       make(map[models.UnreadKey]int),
		checkins:     make(map[checkinKey]*models.CheckinRun),
		participants: make(map[int64]*participant),
		modConfigs:   make(map[models.Scope]*models.ModerationConfig),
	}
}

// Message methods

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return nil, ErrMessageNotFound
	}
	copied := *msg
	return &copied, nil
}

func (s *MemoryStorage) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[id]
	if !exists {
		return ErrMessageNotFound
	}
	if msg.Status.Terminal() {
		return ErrMessageImmutable
	}
	msg.Status = status
	return nil
}

func (s *MemoryStorage) ListConversation(ctx context.Context, key models.ConversationKey, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Message
	for _, msg := range s.messages {
		if msg.ConversationKey() == key {
			copied := *msg
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Unread counter methods

func (s *MemoryStorage) IncrementUnread(ctx context.Context, key models.UnreadKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unread[key]++
	return s.unread[key], nil
}

func (s *MemoryStorage) ResetUnread(ctx context.Context, key models.UnreadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unread, key)
	return nil
}

func (s *MemoryStorage) ResetIndividualUnread(ctx context.Context, participantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.unread {
		if key.ParticipantID == participantID && key.Scope == models.ScopeIndividual {
			delete(s.unread, key)
		}
	}
	return nil
}

func (s *MemoryStorage) ListUnread(ctx context.Context, participantID int64) (map[models.UnreadKey]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[models.UnreadKey]int)
	for key, count := range s.unread {
		if key.ParticipantID == participantID {
			result[key] = count
		}
	}
	return result, nil
}

// Check-in methods

func (s *MemoryStorage) CreateCheckinRun(ctx context.Context, run *models.CheckinRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkinKey{recipientID: run.RecipientID, periodKey: run.PeriodKey}
	if _, exists := s.checkins[key]; exists {
		return ErrDuplicateCheckinRun
	}
	copied := *run
	s.checkins[key] = &copied
	return nil
}

func (s *MemoryStorage) UpdateCheckinRun(ctx context.Context, recipientID int64, periodKey string, status models.CheckinStatus, reportRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.checkins[checkinKey{recipientID: recipientID, periodKey: periodKey}]
	if !exists {
		return ErrCheckinRunNotFound
	}
	run.Status = status
	if reportRef != "" {
		run.ReportRef = reportRef
	}
	return nil
}

func (s *MemoryStorage) GetCheckinRun(ctx context.Context, recipientID int64, periodKey string) (*models.CheckinRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.checkins[checkinKey{recipientID: recipientID, periodKey: periodKey}]
	if !exists {
		return nil, ErrCheckinRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStorage) DeleteCheckinRun(ctx context.Context, recipientID int64, periodKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkins, checkinKey{recipientID: recipientID, periodKey: periodKey})
	return nil
}

func (s *MemoryStorage) ListCheckinRecipients(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []int64
	for id, p := range s.participants {
		if p.checkinEnabled {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (s *MemoryStorage) ListGroupMembers(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []int64
	for id, p := range s.participants {
		if p.inGroup {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// AddParticipant registers a participant in the roster.
func (s *MemoryStorage) AddParticipant(participantID int64, inGroup, checkinEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.participants[participantID] = &participant{inGroup: inGroup, checkinEnabled: checkinEnabled}
}

// Moderation config methods

func (s *MemoryStorage) ModerationConfig(ctx context.Context, scope models.Scope) (*models.ModerationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.modConfigs[scope]
	if !exists {
		return &models.ModerationConfig{}, nil
	}
	copied := *cfg
	copied.ExcludedWords = append([]string(nil), cfg.ExcludedWords...)
	copied.ExcludedCharacters = append([]string(nil), cfg.ExcludedCharacters...)
	copied.CustomKeywords = append([]string(nil), cfg.CustomKeywords...)
	return &copied, nil
}

func (s *MemoryStorage) SetModerationConfig(ctx context.Context, scope models.Scope, cfg *models.ModerationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *cfg
	s.modConfigs[scope] = &copied
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
