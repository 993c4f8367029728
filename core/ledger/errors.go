package ledger

import "errors"

// Failure taxonomy surfaced to callers. Every mutating operation returns one
// of these sentinels (possibly wrapped with the underlying cause) so transport
// layers can map them to stable response codes.
var (
	// ErrInvalidArgument reports a malformed input value (non-positive reward,
	// empty user id, empty response proof).
	ErrInvalidArgument = errors.New("ledger: invalid argument")
	// ErrInvalidConfiguration reports an unusable configuration value, such as
	// an empty reward token identifier.
	ErrInvalidConfiguration = errors.New("ledger: invalid configuration")
	// ErrNotConfigured is returned when an operation requires the reward token
	// to be set and it is not.
	ErrNotConfigured = errors.New("ledger: reward token not configured")
	// ErrSurveyNotFound is returned for unknown survey identifiers.
	ErrSurveyNotFound = errors.New("ledger: survey not found")
	// ErrSurveyInactive is returned when claiming against a deactivated survey.
	ErrSurveyInactive = errors.New("ledger: survey inactive")
	// ErrAlreadyParticipated is returned when a user claims a survey twice.
	ErrAlreadyParticipated = errors.New("ledger: already participated")
	// ErrInsufficientFunds is returned when the custody balance cannot cover
	// the survey reward.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrTransferFailed wraps token account failures. The ledger performs no
	// retries; callers decide whether to retry.
	ErrTransferFailed = errors.New("ledger: transfer failed")
	// ErrUnauthorized is returned when a non-administrator invokes an
	// administrator-only operation.
	ErrUnauthorized = errors.New("ledger: caller is not an administrator")

	errNilState = errors.New("ledger: state not configured")
	errNilBank  = errors.New("ledger: token account not configured")
)
