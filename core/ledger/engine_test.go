package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"surveyrewards/bank"
	"surveyrewards/core/events"
)

type mockState struct {
	mu           sync.Mutex
	token        string
	tokenSet     bool
	surveys      map[uint64]*Survey
	participants map[string]struct{}
	nextID       uint64
}

func newMockState() *mockState {
	return &mockState{
		surveys:      make(map[uint64]*Survey),
		participants: make(map[string]struct{}),
	}
}

func participantKey(surveyID uint64, user string) string {
	return fmt.Sprintf("%d/%s", surveyID, user)
}

func (m *mockState) RewardTokenSet(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.tokenSet = true
	return nil
}

func (m *mockState) RewardToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.tokenSet
}

func (m *mockState) SurveyPut(s *Survey) error {
	if s == nil {
		return fmt.Errorf("nil survey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surveys[s.ID] = s.Clone()
	return nil
}

func (m *mockState) SurveyGet(id uint64) (*Survey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surveys[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (m *mockState) NextSurveyID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *mockState) ParticipantMark(surveyID uint64, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[participantKey(surveyID, user)] = struct{}{}
	return nil
}

func (m *mockState) ParticipantUnmark(surveyID uint64, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, participantKey(surveyID, user))
	return nil
}

func (m *mockState) ParticipantExists(surveyID uint64, user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.participants[participantKey(surveyID, user)]
	return ok
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

type staticAdmins map[string]struct{}

func (s staticAdmins) IsAdministrator(caller string) bool {
	_, ok := s[caller]
	return ok
}

// testBank is a token account with an adjustable custody balance. Transfers
// debit the custody and record the destination.
type testBank struct {
	mu        sync.Mutex
	balance   *big.Int
	transfers []string
	failNext  error
}

func newTestBank(balance int64) *testBank {
	return &testBank{balance: big.NewInt(balance)}
}

func (b *testBank) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balance), nil
}

func (b *testBank) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return "", err
	}
	if b.balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("balance exhausted")
	}
	b.balance.Sub(b.balance, amount)
	b.transfers = append(b.transfers, to)
	return fmt.Sprintf("tx-%d", len(b.transfers)), nil
}

const adminID = "admin"

func newTestEngine(state *mockState, account bank.TokenAccount) (*Engine, *capturingEmitter) {
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetTokenAccount(account)
	engine.SetAccessControl(staticAdmins{adminID: {}})
	engine.SetEmitter(emitter)
	engine.SetCustodyAccount("custody")
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, emitter
}

func TestCreateSurveyRequiresToken(t *testing.T) {
	engine, _ := newTestEngine(newMockState(), newTestBank(0))
	if _, err := engine.CreateSurvey(adminID, big.NewInt(100)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateSurveyValidations(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state, newTestBank(0))
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	cases := []struct {
		name    string
		caller  string
		reward  *big.Int
		wantErr error
	}{
		{"ok", adminID, big.NewInt(100), nil},
		{"zero reward", adminID, big.NewInt(0), ErrInvalidArgument},
		{"negative reward", adminID, big.NewInt(-5), ErrInvalidArgument},
		{"nil reward", adminID, nil, ErrInvalidArgument},
		{"not admin", "mallory", big.NewInt(100), ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.CreateSurvey(tc.caller, tc.reward)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSurveyIDsAreSequentialFromZero(t *testing.T) {
	engine, _ := newTestEngine(newMockState(), newTestBank(0))
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	for want := uint64(0); want < 3; want++ {
		survey, err := engine.CreateSurvey(adminID, big.NewInt(10))
		if err != nil {
			t.Fatalf("create %d: %v", want, err)
		}
		if survey.ID != want {
			t.Fatalf("expected id %d, got %d", want, survey.ID)
		}
		if !survey.Active {
			t.Fatalf("expected new survey active")
		}
	}
}

func TestSetRewardTokenValidation(t *testing.T) {
	engine, _ := newTestEngine(newMockState(), newTestBank(0))
	if err := engine.SetRewardToken(adminID, "  "); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if err := engine.SetRewardToken("mallory", "TKN"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Re-setting is permitted even after configuration.
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := engine.SetRewardToken(adminID, "TKN2"); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	token, ok := engine.RewardToken()
	if !ok || token != "TKN2" {
		t.Fatalf("expected TKN2, got %q (%v)", token, ok)
	}
}

func TestToggleSurveyStatus(t *testing.T) {
	engine, emitter := newTestEngine(newMockState(), newTestBank(0))
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	survey, err := engine.CreateSurvey(adminID, big.NewInt(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ToggleSurveyStatus(adminID, 99, false); !errors.Is(err, ErrSurveyNotFound) {
		t.Fatalf("expected ErrSurveyNotFound, got %v", err)
	}
	if err := engine.ToggleSurveyStatus("mallory", survey.ID, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ToggleSurveyStatus(adminID, survey.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// Idempotent: repeating the same status emits nothing further.
	before := len(emitter.types())
	if err := engine.ToggleSurveyStatus(adminID, survey.ID, false); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
	if len(emitter.types()) != before {
		t.Fatalf("expected no event for unchanged status")
	}
	got, ok := engine.Survey(survey.ID)
	if !ok || got.Active {
		t.Fatalf("expected survey inactive")
	}
}

func TestSubmitAndClaimHappyPath(t *testing.T) {
	account := newTestBank(100)
	engine, emitter := newTestEngine(newMockState(), account)
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	survey, err := engine.CreateSurvey(adminID, big.NewInt(100))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if survey.ID != 0 {
		t.Fatalf("expected id 0, got %d", survey.ID)
	}

	result, err := engine.SubmitAndClaim(context.Background(), 0, "alice", "hash1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected amount 100, got %s", result.Amount)
	}
	if result.Token != "TKN" {
		t.Fatalf("expected token TKN on claim result, got %q", result.Token)
	}
	if !engine.HasParticipated(0, "alice") {
		t.Fatalf("expected participation recorded")
	}
	if _, err := engine.SubmitAndClaim(context.Background(), 0, "alice", "hash2"); !errors.Is(err, ErrAlreadyParticipated) {
		t.Fatalf("expected ErrAlreadyParticipated, got %v", err)
	}
	types := emitter.types()
	if types[len(types)-1] != EventTypeRewardClaimed {
		t.Fatalf("expected rewards.claimed event, got %v", types)
	}
}

func TestSubmitAndClaimValidationOrder(t *testing.T) {
	account := newTestBank(5)
	state := newMockState()
	engine, _ := newTestEngine(state, account)

	// Before configuration every claim fails with NotConfigured.
	if _, err := engine.SubmitAndClaim(context.Background(), 0, "alice", "p"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.SubmitAndClaim(context.Background(), 7, "alice", "p"); !errors.Is(err, ErrSurveyNotFound) {
		t.Fatalf("expected ErrSurveyNotFound, got %v", err)
	}
	survey, err := engine.CreateSurvey(adminID, big.NewInt(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ToggleSurveyStatus(adminID, survey.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := engine.SubmitAndClaim(context.Background(), survey.ID, "alice", "p"); !errors.Is(err, ErrSurveyInactive) {
		t.Fatalf("expected ErrSurveyInactive, got %v", err)
	}
	if err := engine.ToggleSurveyStatus(adminID, survey.ID, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if _, err := engine.SubmitAndClaim(context.Background(), survey.ID, "alice", "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty proof, got %v", err)
	}
	if _, err := engine.SubmitAndClaim(context.Background(), survey.ID, "alice", "p"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if engine.HasParticipated(survey.ID, "alice") {
		t.Fatalf("failed claim must not leave a participation mark")
	}
}

func TestSubmitAndClaimRollsBackOnTransferFailure(t *testing.T) {
	account := newTestBank(100)
	account.failNext = fmt.Errorf("rpc node unreachable")
	engine, _ := newTestEngine(newMockState(), account)
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.CreateSurvey(adminID, big.NewInt(100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := engine.SubmitAndClaim(context.Background(), 0, "bob", "proof")
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if engine.HasParticipated(0, "bob") {
		t.Fatalf("participation mark must be rolled back after transfer failure")
	}
	// The next attempt succeeds now that the account recovered.
	if _, err := engine.SubmitAndClaim(context.Background(), 0, "bob", "proof"); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
}

func TestConcurrentClaimsPayExactlyOnce(t *testing.T) {
	account := newTestBank(100)
	engine, _ := newTestEngine(newMockState(), account)
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.CreateSurvey(adminID, big.NewInt(100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.SubmitAndClaim(context.Background(), 0, "bob", fmt.Sprintf("proof-%d", i))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyParticipated), errors.Is(err, ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", successes)
	}
	if len(account.transfers) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(account.transfers))
	}
}

func TestWithdrawRemaining(t *testing.T) {
	account := newTestBank(50)
	engine, emitter := newTestEngine(newMockState(), account)
	if _, err := engine.WithdrawRemaining(context.Background(), adminID, big.NewInt(10)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.WithdrawRemaining(context.Background(), "mallory", big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := engine.WithdrawRemaining(context.Background(), adminID, big.NewInt(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	txRef, err := engine.WithdrawRemaining(context.Background(), adminID, big.NewInt(10))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if txRef == "" {
		t.Fatalf("expected transaction reference")
	}
	account.failNext = fmt.Errorf("node down")
	if _, err := engine.WithdrawRemaining(context.Background(), adminID, big.NewInt(10)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	types := emitter.types()
	withdrawn := 0
	for _, typ := range types {
		if typ == EventTypeRewardsWithdrawn {
			withdrawn++
		}
	}
	if withdrawn != 1 {
		t.Fatalf("expected one rewards.withdrawn event, got %d", withdrawn)
	}
}

func TestHasParticipatedUnknownSurvey(t *testing.T) {
	engine, _ := newTestEngine(newMockState(), newTestBank(0))
	if engine.HasParticipated(42, "alice") {
		t.Fatalf("unknown survey must report false")
	}
}

// reentrantEmitter queries the engine from inside Emit, the way the daemon's
// fan-out emitter does while persisting receipts.
type reentrantEmitter struct {
	engine *Engine
	tokens []string
}

func (r *reentrantEmitter) Emit(events.Event) {
	token, _ := r.engine.RewardToken()
	r.tokens = append(r.tokens, token)
}

func TestEmitterMayQueryEngineDuringClaim(t *testing.T) {
	engine, _ := newTestEngine(newMockState(), newTestBank(100))
	emitter := &reentrantEmitter{engine: engine}
	engine.SetEmitter(emitter)
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.CreateSurvey(adminID, big.NewInt(100)); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.SubmitAndClaim(context.Background(), 0, "alice", "hash1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("claim blocked on the engine mutex while emitting")
	}
	if len(emitter.tokens) == 0 || emitter.tokens[len(emitter.tokens)-1] != "TKN" {
		t.Fatalf("emitter observed tokens %v, want TKN last", emitter.tokens)
	}
}

func TestClaimEventCarriesToken(t *testing.T) {
	engine, emitter := newTestEngine(newMockState(), newTestBank(100))
	if err := engine.SetRewardToken(adminID, "TKN"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, err := engine.CreateSurvey(adminID, big.NewInt(100)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.SubmitAndClaim(context.Background(), 0, "alice", "hash1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	last, ok := emitter.events[len(emitter.events)-1].(ledgerEvent)
	if !ok || last.EventType() != EventTypeRewardClaimed {
		t.Fatalf("expected rewards.claimed last, got %v", emitter.events)
	}
	if got := last.Payload().Attributes["token"]; got != "TKN" {
		t.Fatalf("expected token attribute TKN, got %q", got)
	}
}
