package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"surveyrewards/bank"
	"surveyrewards/core/events"
)

const defaultTransferTimeout = 30 * time.Second

// ledgerState is the durable backend the engine mutates. Participation marks
// live under a flattened (survey, user) key and must be persisted before any
// external call so a crash mid-claim can never produce a double payment.
type ledgerState interface {
	RewardTokenSet(token string) error
	RewardToken() (string, bool)
	SurveyPut(*Survey) error
	SurveyGet(id uint64) (*Survey, bool)
	NextSurveyID() (uint64, error)
	ParticipantMark(surveyID uint64, user string) error
	ParticipantUnmark(surveyID uint64, user string) error
	ParticipantExists(surveyID uint64, user string) bool
}

// AccessControl is the collaborator deciding who may invoke
// administrator-only operations.
type AccessControl interface {
	IsAdministrator(caller string) bool
}

type denyAll struct{}

func (denyAll) IsAdministrator(string) bool { return false }

// Engine owns the survey and participation records and wires them to the
// token account, access control, and event emitter collaborators. A single
// mutex serialises every mutation, so concurrent claims for the same
// (survey, user) pair resolve to exactly one success. Events are emitted
// with the mutex released; emitters may safely query the engine.
type Engine struct {
	mu              sync.Mutex
	state           ledgerState
	bank            bank.TokenAccount
	access          AccessControl
	emitter         events.Emitter
	custody         string
	transferTimeout time.Duration
	nowFn           func() int64
}

// NewEngine creates a reward ledger engine with a no-op emitter and an access
// policy that denies everyone. Callers configure collaborators via setters.
func NewEngine() *Engine {
	return &Engine{
		access:          denyAll{},
		emitter:         events.NoopEmitter{},
		transferTimeout: defaultTransferTimeout,
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the durable state backend used by the engine.
func (e *Engine) SetState(state ledgerState) { e.state = state }

// SetTokenAccount configures the token account collaborator.
func (e *Engine) SetTokenAccount(account bank.TokenAccount) { e.bank = account }

// SetAccessControl configures the administrator policy. Passing nil resets the
// engine to deny all administrator operations.
func (e *Engine) SetAccessControl(access AccessControl) {
	if access == nil {
		e.access = denyAll{}
		return
	}
	e.access = access
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetCustodyAccount configures the account whose balance funds rewards.
func (e *Engine) SetCustodyAccount(account string) { e.custody = strings.TrimSpace(account) }

// SetTransferTimeout bounds the token account transfer call. Non-positive
// values restore the default.
func (e *Engine) SetTransferTimeout(d time.Duration) {
	if d <= 0 {
		e.transferTimeout = defaultTransferTimeout
		return
	}
	e.transferTimeout = d
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *events.Payload) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(ledgerEvent{payload: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireAdmin(caller string) error {
	if e.access == nil || !e.access.IsAdministrator(strings.TrimSpace(caller)) {
		return ErrUnauthorized
	}
	return nil
}

// SetRewardToken configures the asset used to pay rewards. Administrator
// only. Re-setting the token after surveys exist is permitted and left to the
// caller's judgement; pre-existing surveys keep paying from the new asset.
func (e *Engine) SetRewardToken(caller, token string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty reward token", ErrInvalidConfiguration)
	}
	e.mu.Lock()
	err := e.state.RewardTokenSet(token)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.emit(NewRewardTokenSetEvent(token))
	return nil
}

// RewardToken reports the configured reward asset, if any.
func (e *Engine) RewardToken() (string, bool) {
	if e == nil || e.state == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.RewardToken()
}

// CreateSurvey registers a new survey paying the given reward per completed
// response. Administrator only. Identifiers are assigned sequentially from
// zero and the survey starts active.
func (e *Engine) CreateSurvey(caller string, reward *big.Int) (*Survey, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	if reward == nil || reward.Sign() <= 0 {
		return nil, fmt.Errorf("%w: reward amount must be positive", ErrInvalidArgument)
	}
	survey, err := e.createSurveyLocked(reward)
	if err != nil {
		return nil, err
	}
	e.emit(NewSurveyCreatedEvent(survey))
	return survey, nil
}

func (e *Engine) createSurveyLocked(reward *big.Int) (*Survey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.state.RewardToken(); !ok {
		return nil, ErrNotConfigured
	}
	id, err := e.state.NextSurveyID()
	if err != nil {
		return nil, err
	}
	survey := &Survey{
		ID:           id,
		RewardAmount: cloneBigInt(reward),
		Active:       true,
		CreatedAt:    e.now(),
	}
	if err := e.state.SurveyPut(survey); err != nil {
		return nil, err
	}
	return survey.Clone(), nil
}

// ToggleSurveyStatus activates or deactivates a survey. Administrator only.
// Participation marks are unaffected; a survey may toggle indefinitely. The
// operation is idempotent.
func (e *Engine) ToggleSurveyStatus(caller string, surveyID uint64, active bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	survey, changed, err := e.toggleStatusLocked(surveyID, active)
	if err != nil {
		return err
	}
	if changed {
		e.emit(NewSurveyStatusChangedEvent(survey))
	}
	return nil
}

func (e *Engine) toggleStatusLocked(surveyID uint64, active bool) (*Survey, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	survey, ok := e.state.SurveyGet(surveyID)
	if !ok {
		return nil, false, ErrSurveyNotFound
	}
	if survey.Active == active {
		return nil, false, nil
	}
	survey.Active = active
	if err := e.state.SurveyPut(survey); err != nil {
		return nil, false, err
	}
	return survey.Clone(), true, nil
}

// ClaimResult describes a successful submit-and-claim.
type ClaimResult struct {
	SurveyID    uint64
	UserID      string
	Token       string
	Amount      *big.Int
	TxRef       string
	ProofDigest [32]byte
}

// SubmitAndClaim records a completed survey response for user and disburses
// the reward. The participation mark is persisted before the token transfer
// so a re-entrant claim observes AlreadyParticipated; if the transfer fails
// or times out the mark is rolled back and the whole operation fails. The
// claimed event is emitted after the mutex is released, so emitter callbacks
// may call back into the engine.
func (e *Engine) SubmitAndClaim(ctx context.Context, surveyID uint64, userID, responseProof string) (*ClaimResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.bank == nil {
		return nil, errNilBank
	}
	result, err := e.claimLocked(ctx, surveyID, strings.TrimSpace(userID), responseProof)
	if err != nil {
		return nil, err
	}
	e.emit(NewRewardClaimedEvent(result))
	return result, nil
}

func (e *Engine) claimLocked(ctx context.Context, surveyID uint64, userID, responseProof string) (*ClaimResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	token, ok := e.state.RewardToken()
	if !ok {
		return nil, ErrNotConfigured
	}
	survey, ok := e.state.SurveyGet(surveyID)
	if !ok {
		return nil, ErrSurveyNotFound
	}
	if !survey.Active {
		return nil, ErrSurveyInactive
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	if e.state.ParticipantExists(surveyID, userID) {
		return nil, ErrAlreadyParticipated
	}
	if strings.TrimSpace(responseProof) == "" {
		return nil, fmt.Errorf("%w: response proof required", ErrInvalidArgument)
	}

	amount := cloneBigInt(survey.RewardAmount)
	balance, err := e.bank.BalanceOf(ctx, e.custody)
	if err != nil {
		return nil, fmt.Errorf("%w: balance lookup: %v", ErrTransferFailed, err)
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}

	// Mark first, pay second. The mark is the re-entry guard and must be
	// durable before the external call.
	if err := e.state.ParticipantMark(surveyID, userID); err != nil {
		return nil, err
	}
	transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	txRef, err := e.bank.Transfer(transferCtx, userID, amount)
	cancel()
	if err != nil {
		if unmarkErr := e.state.ParticipantUnmark(surveyID, userID); unmarkErr != nil {
			return nil, fmt.Errorf("%w: %v (rollback failed: %v)", ErrTransferFailed, err, unmarkErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	survey.Participants++
	if err := e.state.SurveyPut(survey); err != nil {
		// The reward is paid and the mark stands; only the counter is stale.
		return nil, err
	}

	return &ClaimResult{
		SurveyID:    surveyID,
		UserID:      userID,
		Token:       token,
		Amount:      amount,
		TxRef:       txRef,
		ProofDigest: DigestProof(responseProof),
	}, nil
}

// WithdrawRemaining transfers amount from the ledger's custody back to the
// calling administrator. Token account failures propagate as TransferFailed.
func (e *Engine) WithdrawRemaining(ctx context.Context, caller string, amount *big.Int) (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	if e.bank == nil {
		return "", errNilBank
	}
	if err := e.requireAdmin(caller); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidArgument)
	}
	txRef, err := e.withdrawLocked(ctx, strings.TrimSpace(caller), amount)
	if err != nil {
		return "", err
	}
	e.emit(NewRewardsWithdrawnEvent(strings.TrimSpace(caller), amount, txRef))
	return txRef, nil
}

func (e *Engine) withdrawLocked(ctx context.Context, to string, amount *big.Int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.state.RewardToken(); !ok {
		return "", ErrNotConfigured
	}
	transferCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	txRef, err := e.bank.Transfer(transferCtx, to, cloneBigInt(amount))
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return txRef, nil
}

// HasParticipated reports whether user already claimed the survey. Unknown
// surveys report false rather than erroring.
func (e *Engine) HasParticipated(surveyID uint64, userID string) bool {
	if e == nil || e.state == nil {
		return false
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.ParticipantExists(surveyID, userID)
}

// Survey returns a copy of the stored survey record.
func (e *Engine) Survey(surveyID uint64) (*Survey, bool) {
	if e == nil || e.state == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	survey, ok := e.state.SurveyGet(surveyID)
	if !ok {
		return nil, false
	}
	return survey.Clone(), true
}
