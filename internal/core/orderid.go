package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Client order ids encode (instance, level, side, placement epoch) so that
// reconciliation can map an exchange order back to a grid level without any
// local state. Format: ct-<instance>-<level_idx>-<side>-<epoch>.
//
// Venues cap client ids at 36 ASCII chars, so the instance token is the
// first 8 hex chars of a UUID rather than the full form.
const clientIDPrefix = "ct"

// NewInstanceID returns a fresh 8-hex-char instance token.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// FormatClientOrderID builds the deterministic client order id for one
// placement. The same (instance, level, side, epoch) always yields the same
// id, which is what makes retries idempotent.
func FormatClientOrderID(instanceID string, levelIdx int, side OrderSide, epoch int64) string {
	sideCode := "B"
	if side == OrderSideSell {
		sideCode = "S"
	}
	return fmt.Sprintf("%s-%s-%d-%s-%d", clientIDPrefix, instanceID, levelIdx, sideCode, epoch)
}

// ParsedOrderID is the decoded form of a client order id.
type ParsedOrderID struct {
	InstanceID string
	LevelIdx   int
	Side       OrderSide
	Epoch      int64
}

// ParseClientOrderID decodes a client order id. The boolean is false for ids
// that were not produced by this codec (foreign orders, manual orders).
func ParseClientOrderID(clientOrderID string) (ParsedOrderID, bool) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 5 || parts[0] != clientIDPrefix {
		return ParsedOrderID{}, false
	}

	if parts[1] == "" {
		return ParsedOrderID{}, false
	}

	levelIdx, err := strconv.Atoi(parts[2])
	if err != nil || levelIdx < 0 {
		return ParsedOrderID{}, false
	}

	var side OrderSide
	switch parts[3] {
	case "B":
		side = OrderSideBuy
	case "S":
		side = OrderSideSell
	default:
		return ParsedOrderID{}, false
	}

	epoch, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil || epoch < 0 {
		return ParsedOrderID{}, false
	}

	return ParsedOrderID{
		InstanceID: parts[1],
		LevelIdx:   levelIdx,
		Side:       side,
		Epoch:      epoch,
	}, true
}
