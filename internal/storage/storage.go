package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"siderec/internal/models"
)

type dataset struct {
	Meetings     map[string]models.Meeting                `json:"meetings"`
	Participants map[string]map[string]models.Participant `json:"participants"`
}

// Storage is the single-file JSON repository used for development and
// single-node deployments.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*Storage)(nil)

func newDataset() dataset {
	return dataset{
		Meetings:     make(map[string]models.Meeting),
		Participants: make(map[string]map[string]models.Participant),
	}
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("data path required")
	}
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Meetings == nil {
		s.data.Meetings = make(map[string]models.Meeting)
	}
	if s.data.Participants == nil {
		s.data.Participants = make(map[string]map[string]models.Participant)
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the dataset and swaps it in only after the
// copy has been written to disk. Callers must hold s.mu.
func (s *Storage) mutate(fn func(*dataset) error) error {
	next := cloneDataset(s.data)
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, meeting := range src.Meetings {
		clone.Meetings[id] = meeting
	}
	for meetingID, rows := range src.Participants {
		copied := make(map[string]models.Participant, len(rows))
		for userID, participant := range rows {
			copied[userID] = participant
		}
		clone.Participants[meetingID] = copied
	}
	return clone
}

func (s *Storage) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("data dir unavailable: %w", err)
	}
	return nil
}

// Meeting operations

func (s *Storage) CreateMeeting(ctx context.Context, params CreateMeetingParams) (models.Meeting, error) {
	params, err := validateMeetingParams(params)
	if err != nil {
		return models.Meeting{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.uniqueCodeLocked()
	if err != nil {
		return models.Meeting{}, err
	}
	meeting := models.Meeting{
		ID:          generateID(),
		Code:        code,
		HostID:      params.HostID,
		Title:       params.Title,
		Description: params.Description,
		CreatedAt:   s.now().UTC(),
	}
	err = s.mutate(func(data *dataset) error {
		data.Meetings[meeting.ID] = meeting
		return nil
	})
	if err != nil {
		return models.Meeting{}, err
	}
	return meeting, nil
}

func (s *Storage) uniqueCodeLocked() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		code, err := generateMeetingCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.findByCodeLocked(code); !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate unique meeting code")
}

func (s *Storage) findByCodeLocked(code string) (models.Meeting, bool) {
	for _, meeting := range s.data.Meetings {
		if meeting.Code == code {
			return meeting, true
		}
	}
	return models.Meeting{}, false
}

func (s *Storage) GetMeeting(ctx context.Context, id string) (models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meeting, ok := s.data.Meetings[strings.TrimSpace(id)]
	if !ok {
		return models.Meeting{}, fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	return meeting, nil
}

func (s *Storage) GetMeetingByCode(ctx context.Context, code string) (models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meeting, ok := s.findByCodeLocked(normalizeCode(code))
	if !ok {
		return models.Meeting{}, fmt.Errorf("meeting code %s: %w", code, ErrNotFound)
	}
	return meeting, nil
}

func (s *Storage) ResolveMeeting(ctx context.Context, ref string) (models.Meeting, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Meeting{}, fmt.Errorf("%w: meeting reference required", ErrInvalidInput)
	}
	if meeting, err := s.GetMeeting(ctx, ref); err == nil {
		return meeting, nil
	}
	return s.GetMeetingByCode(ctx, ref)
}

func (s *Storage) ListMeetingsForUser(ctx context.Context, userID string) ([]models.MeetingDetails, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MeetingDetails
	for id, meeting := range s.data.Meetings {
		_, participates := s.data.Participants[id][userID]
		if meeting.HostID != userID && !participates {
			continue
		}
		out = append(out, models.MeetingDetails{
			Meeting:      meeting,
			Participants: sortedParticipants(s.data.Participants[id], false),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) SetMeetingDuration(ctx context.Context, meetingID string, durationMs int64, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meeting, ok := s.data.Meetings[meetingID]
	if !ok {
		return false, fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
	}
	if meeting.DurationMs != nil {
		return false, nil
	}
	ended := endedAt.UTC()
	duration := durationMs
	meeting.DurationMs = &duration
	meeting.EndedAt = &ended
	if err := s.mutate(func(data *dataset) error {
		data.Meetings[meetingID] = meeting
		return nil
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Participant operations

func (s *Storage) AddParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Participant{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Meetings[meetingID]; !ok {
		return models.Participant{}, fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
	}
	if existing, ok := s.data.Participants[meetingID][userID]; ok {
		return existing, nil
	}
	participant := models.Participant{MeetingID: meetingID, UserID: userID}
	if err := s.mutate(func(data *dataset) error {
		putParticipant(data, participant)
		return nil
	}); err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (s *Storage) UpsertParticipantJoined(ctx context.Context, meetingID string, info models.UserInfo, at time.Time) (models.Participant, error) {
	userID := strings.TrimSpace(info.UserID)
	if userID == "" {
		return models.Participant{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Meetings[meetingID]; !ok {
		return models.Participant{}, fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
	}
	participant, ok := s.data.Participants[meetingID][userID]
	if !ok {
		participant = models.Participant{MeetingID: meetingID, UserID: userID}
	}
	applyUserInfo(&participant, info)
	joined := at.UTC()
	participant.HasJoined = true
	participant.JoinedAt = &joined
	participant.LeftAt = nil
	if err := s.mutate(func(data *dataset) error {
		putParticipant(data, participant)
		return nil
	}); err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (s *Storage) MarkParticipantLeft(ctx context.Context, meetingID, userID string, at time.Time) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, ok := s.data.Participants[meetingID][userID]
	if !ok {
		return models.Participant{}, fmt.Errorf("participant %s in %s: %w", userID, meetingID, ErrNotFound)
	}
	left := at.UTC()
	participant.HasJoined = false
	participant.LeftAt = &left
	if err := s.mutate(func(data *dataset) error {
		putParticipant(data, participant)
		return nil
	}); err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}

func (s *Storage) GetParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participant, ok := s.data.Participants[meetingID][userID]
	if !ok {
		return models.Participant{}, fmt.Errorf("participant %s in %s: %w", userID, meetingID, ErrNotFound)
	}
	return participant, nil
}

func (s *Storage) ListParticipants(ctx context.Context, meetingID string, joinedOnly bool) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Meetings[meetingID]; !ok {
		return nil, fmt.Errorf("meeting %s: %w", meetingID, ErrNotFound)
	}
	return sortedParticipants(s.data.Participants[meetingID], joinedOnly), nil
}

func putParticipant(data *dataset, participant models.Participant) {
	rows := data.Participants[participant.MeetingID]
	if rows == nil {
		rows = make(map[string]models.Participant)
		data.Participants[participant.MeetingID] = rows
	}
	rows[participant.UserID] = participant
}

func applyUserInfo(participant *models.Participant, info models.UserInfo) {
	if name := normalizeText(info.Name); name != "" {
		participant.Name = name
	}
	if email := strings.TrimSpace(info.Email); email != "" {
		participant.Email = email
	}
	if pic := strings.TrimSpace(info.ProfilePic); pic != "" {
		participant.ProfilePic = pic
	}
}

func sortedParticipants(rows map[string]models.Participant, joinedOnly bool) []models.Participant {
	out := make([]models.Participant, 0, len(rows))
	for _, participant := range rows {
		if joinedOnly && !participant.HasJoined {
			continue
		}
		out = append(out, participant)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}
