package rewardlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/upb/reward-governance/models"
)

// HashState computes the SHA-256 of the state content and returns it as a
// hex-encoded string. Equal states always hash equally; the id is for joins
// and deduplication, not for ordering.
//
// Returns an empty string for an empty state.
func HashState(state models.State) string {
	if len(state) == 0 {
		return ""
	}

	buf := make([]byte, 8*len(state))
	for i, v := range state {
		if v == 0 {
			v = 0 // fold negative zero
		}
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}

	hash := sha256.Sum256(buf)
	return hex.EncodeToString(hash[:])
}
