package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"surveyrewards/core/ledger"
)

const (
	keyRewardToken  = "meta/reward_token"
	keyNextSurveyID = "meta/next_survey_id"

	prefixSurvey      = "survey/"
	prefixParticipant = "participant/"
)

// State is the durable ledger state backend. Survey records are stored as
// JSON under survey/<id>; participation marks under the flattened composite
// key participant/<id>/<user>. Callers (the ledger engine) serialise access;
// State performs no locking of its own beyond what the Database provides.
type State struct {
	db Database
}

// NewState wraps a key-value database in the ledger state interface.
func NewState(db Database) *State {
	return &State{db: db}
}

func surveyKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixSurvey, id))
}

func participantPrefix(surveyID uint64) string {
	return fmt.Sprintf("%s%016x/", prefixParticipant, surveyID)
}

func participantKey(surveyID uint64, user string) []byte {
	return []byte(participantPrefix(surveyID) + user)
}

// RewardTokenSet stores the configured reward asset identifier.
func (s *State) RewardTokenSet(token string) error {
	return s.db.Put([]byte(keyRewardToken), []byte(token))
}

// RewardToken reports the configured reward asset, if any.
func (s *State) RewardToken() (string, bool) {
	value, err := s.db.Get([]byte(keyRewardToken))
	if err != nil || len(value) == 0 {
		return "", false
	}
	return string(value), true
}

// SurveyPut stores a survey record.
func (s *State) SurveyPut(survey *ledger.Survey) error {
	if survey == nil {
		return fmt.Errorf("storage: nil survey")
	}
	encoded, err := json.Marshal(survey)
	if err != nil {
		return fmt.Errorf("storage: encode survey %d: %w", survey.ID, err)
	}
	return s.db.Put(surveyKey(survey.ID), encoded)
}

// SurveyGet loads a survey record by id.
func (s *State) SurveyGet(id uint64) (*ledger.Survey, bool) {
	raw, err := s.db.Get(surveyKey(id))
	if err != nil {
		return nil, false
	}
	survey := new(ledger.Survey)
	if err := json.Unmarshal(raw, survey); err != nil {
		return nil, false
	}
	return survey, true
}

// NextSurveyID allocates the next sequential survey identifier, starting at
// zero. The engine serialises callers.
func (s *State) NextSurveyID() (uint64, error) {
	var next uint64
	raw, err := s.db.Get([]byte(keyNextSurveyID))
	switch {
	case err == nil && len(raw) == 8:
		next = binary.BigEndian.Uint64(raw)
	case err != nil && err != ErrNotFound:
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	if err := s.db.Put([]byte(keyNextSurveyID), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// ParticipantMark durably records that user claimed the survey.
func (s *State) ParticipantMark(surveyID uint64, user string) error {
	return s.db.Put(participantKey(surveyID, user), []byte{1})
}

// ParticipantUnmark removes a participation mark. Used only to roll back a
// claim whose transfer failed.
func (s *State) ParticipantUnmark(surveyID uint64, user string) error {
	return s.db.Delete(participantKey(surveyID, user))
}

// ParticipantExists reports whether user already claimed the survey.
func (s *State) ParticipantExists(surveyID uint64, user string) bool {
	ok, err := s.db.Has(participantKey(surveyID, user))
	return err == nil && ok
}

// Surveys returns every stored survey ordered by id. Consumed by the
// reconciler and operational tooling.
func (s *State) Surveys() ([]*ledger.Survey, error) {
	keys, err := s.db.Keys([]byte(prefixSurvey))
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })
	out := make([]*ledger.Survey, 0, len(keys))
	for _, key := range keys {
		raw, err := s.db.Get(key)
		if err != nil {
			return nil, err
		}
		survey := new(ledger.Survey)
		if err := json.Unmarshal(raw, survey); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", key, err)
		}
		out = append(out, survey)
	}
	return out, nil
}

// Participants returns the users who claimed the survey, sorted.
func (s *State) Participants(surveyID uint64) ([]string, error) {
	prefix := participantPrefix(surveyID)
	keys, err := s.db.Keys([]byte(prefix))
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(string(key), prefix))
	}
	sort.Strings(users)
	return users, nil
}
