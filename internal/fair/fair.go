package fair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	MinMultiplier = 1.0

	// DefaultHouseEdge is the operator's statistical advantage. Roughly this
	// fraction of rounds crash instantly at 1.00x.
	DefaultHouseEdge = 0.01

	DefaultMaxMultiplier = 1000000.0
)

// Engine derives provably fair crash points. The crash point for a round is
// fully determined by (serverSeed, nonce) before any bet exists, and the
// published SHA-256 commitment lets players verify it after the seed is
// revealed.
type Engine struct {
	edge float64
	max  float64
}

func New(edge, maxMultiplier float64) *Engine {
	if edge < 0 || edge >= 1 {
		edge = DefaultHouseEdge
	}
	if maxMultiplier < MinMultiplier {
		maxMultiplier = DefaultMaxMultiplier
	}
	return &Engine{edge: edge, max: maxMultiplier}
}

// NewRound generates the fairness material for one round: a fresh secret
// seed, its public commitment, and the crash point derived from the seed and
// the round nonce.
func (e *Engine) NewRound(nonce int64) (serverSeed, serverSeedHash string, crashPoint float64) {
	serverSeed = GenerateSeed()
	serverSeedHash = Commitment(serverSeed)
	crashPoint = e.CrashPoint(serverSeed, nonce)
	return serverSeed, serverSeedHash, crashPoint
}

// CrashPoint maps (serverSeed, nonce) to a crash multiplier.
//
// The first 32 bits of HMAC-SHA256(key=serverSeed, msg="<nonce>:crash") are
// taken as an unsigned integer h, giving raw = 2^32 / (h+1). raw follows the
// 1/x distribution that makes the payout formula fair; multiplying by
// (1 - edge) shifts the bottom tail below 1.0, which clamps to an instant
// crash for a fraction of rounds converging to the house edge.
func (e *Engine) CrashPoint(serverSeed string, nonce int64) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%d:crash", nonce)
	digest := mac.Sum(nil)

	h := binary.BigEndian.Uint32(digest[:4])
	raw := float64(1<<32) / (float64(h) + 1)

	crash := raw * (1 - e.edge)
	if crash < MinMultiplier {
		return MinMultiplier
	}
	if crash > e.max {
		return e.max
	}
	return crash
}

// Verify recomputes both the commitment and the crash point from a revealed
// seed, so a client can confirm the round was not manipulated.
func (e *Engine) Verify(serverSeed, serverSeedHash string, nonce int64, claimedCrashPoint float64) bool {
	if Commitment(serverSeed) != serverSeedHash {
		return false
	}
	return e.CrashPoint(serverSeed, nonce) == claimedCrashPoint
}

// GenerateSeed creates a cryptographically secure random seed.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Commitment creates the SHA-256 hash of the seed published at round start.
func Commitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}
