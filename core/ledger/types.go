package ledger

import (
	"math/big"
	"strings"

	"lukechampine.com/blake3"
)

// Survey is a unit of rewardable work. Each user may claim the configured
// reward exactly once; participation marks are stored separately under a
// composite (survey, user) key so the record itself stays small.
type Survey struct {
	ID           uint64   `json:"id"`
	RewardAmount *big.Int `json:"rewardAmount"`
	Active       bool     `json:"active"`
	CreatedAt    int64    `json:"createdAt"`
	Participants uint64   `json:"participants"`
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (s *Survey) Clone() *Survey {
	if s == nil {
		return nil
	}
	clone := *s
	clone.RewardAmount = cloneBigInt(s.RewardAmount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// DigestProof hashes a submitted response proof with BLAKE3. Only the digest
// is retained on receipts and events; the raw proof never leaves the request.
func DigestProof(proof string) [32]byte {
	return blake3.Sum256([]byte(strings.TrimSpace(proof)))
}
