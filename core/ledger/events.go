package ledger

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"surveyrewards/core/events"
)

// Canonical event types emitted by the reward ledger.
const (
	EventTypeSurveyCreated       = "survey.created"
	EventTypeSurveyStatusChanged = "survey.status_changed"
	EventTypeRewardClaimed       = "rewards.claimed"
	EventTypeRewardTokenSet      = "rewards.token_set"
	EventTypeRewardsWithdrawn    = "rewards.withdrawn"
)

type ledgerEvent struct {
	payload *events.Payload
}

func (e ledgerEvent) EventType() string {
	if e.payload == nil {
		return ""
	}
	return e.payload.Type
}

// Payload exposes the underlying attribute map.
func (e ledgerEvent) Payload() *events.Payload { return e.payload }

// NewSurveyCreatedEvent returns the canonical payload for a new survey.
func NewSurveyCreatedEvent(s *Survey) *events.Payload {
	attrs := make(map[string]string)
	if s != nil {
		attrs["surveyId"] = strconv.FormatUint(s.ID, 10)
		attrs["rewardAmount"] = cloneBigInt(s.RewardAmount).String()
		attrs["createdAt"] = strconv.FormatInt(s.CreatedAt, 10)
	}
	return &events.Payload{Type: EventTypeSurveyCreated, Attributes: attrs}
}

// NewSurveyStatusChangedEvent returns the payload emitted when a survey is
// toggled between active and inactive.
func NewSurveyStatusChangedEvent(s *Survey) *events.Payload {
	attrs := make(map[string]string)
	if s != nil {
		attrs["surveyId"] = strconv.FormatUint(s.ID, 10)
		attrs["active"] = strconv.FormatBool(s.Active)
	}
	return &events.Payload{Type: EventTypeSurveyStatusChanged, Attributes: attrs}
}

// NewRewardClaimedEvent returns the payload emitted when a claim settles.
func NewRewardClaimedEvent(r *ClaimResult) *events.Payload {
	attrs := make(map[string]string)
	if r != nil {
		attrs["surveyId"] = strconv.FormatUint(r.SurveyID, 10)
		attrs["userId"] = r.UserID
		attrs["token"] = r.Token
		attrs["amount"] = cloneBigInt(r.Amount).String()
		attrs["proofDigest"] = hex.EncodeToString(r.ProofDigest[:])
		if r.TxRef != "" {
			attrs["txRef"] = r.TxRef
		}
	}
	return &events.Payload{Type: EventTypeRewardClaimed, Attributes: attrs}
}

// NewRewardTokenSetEvent returns the payload emitted when the reward asset is
// configured or changed.
func NewRewardTokenSetEvent(token string) *events.Payload {
	return &events.Payload{
		Type:       EventTypeRewardTokenSet,
		Attributes: map[string]string{"token": token},
	}
}

// NewRewardsWithdrawnEvent returns the payload emitted when an administrator
// withdraws custody funds.
func NewRewardsWithdrawnEvent(to string, amount *big.Int, txRef string) *events.Payload {
	attrs := map[string]string{"to": to}
	attrs["amount"] = cloneBigInt(amount).String()
	if txRef != "" {
		attrs["txRef"] = txRef
	}
	return &events.Payload{Type: EventTypeRewardsWithdrawn, Attributes: attrs}
}
