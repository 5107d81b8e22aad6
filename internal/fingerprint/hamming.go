package fingerprint

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/veritrace/veritrace/internal/domain"
)

// DefaultThreshold is the default maximum total Hamming distance, summed
// across all frames, for two fingerprints to be declared similar. With five
// frames contributing up to 320 bits, 10 bits catches re-encoded and
// lightly edited copies while rejecting unrelated content.
const DefaultThreshold = 10

func parseSegment(seg string) (uint64, error) {
	v, err := strconv.ParseUint(seg, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: segment %q", domain.ErrHashLengthMismatch, seg)
	}
	return v, nil
}

// Distance computes the total Hamming distance between two perceptual hash
// strings, summed across frames. If the segment counts differ, each missing
// frame on the shorter side costs the full HashBits.
// Parameters:
//   - a, b: perceptual hash strings (hex segments joined with Separator).
// Returns:
//   - int: total differing bits.
//   - error: domain.ErrHashLengthMismatch if either hash fails to parse.
func Distance(a, b string) (int, error) {
	if a == "" || b == "" {
		return 0, fmt.Errorf("%w: empty hash", domain.ErrHashLengthMismatch)
	}
	segsA := strings.Split(a, Separator)
	segsB := strings.Split(b, Separator)

	minLen := len(segsA)
	if len(segsB) < minLen {
		minLen = len(segsB)
	}

	total := 0
	for i := 0; i < minLen; i++ {
		va, err := parseSegment(segsA[i])
		if err != nil {
			return 0, err
		}
		vb, err := parseSegment(segsB[i])
		if err != nil {
			return 0, err
		}
		total += bits.OnesCount64(va ^ vb)
	}

	// Missing frames count as full distance.
	if len(segsA) != len(segsB) {
		diff := len(segsA) - len(segsB)
		if diff < 0 {
			diff = -diff
		}
		total += diff * HashBits
	}

	return total, nil
}

// Similar reports whether two perceptual hashes fall within the threshold.
// The threshold is inclusive: a distance exactly equal to it matches.
func Similar(a, b string, threshold int) (bool, int, error) {
	d, err := Distance(a, b)
	if err != nil {
		return false, 0, err
	}
	return d <= threshold, d, nil
}
