package fingerprint

import (
	"encoding/hex"
	"strings"
)

// Bands splits the concatenated frame hash bits into numBands contiguous
// slices and returns one hex signature per slice. Band boundaries are
// start = (i*T)/numBands, end = ((i+1)*T)/numBands for T total bits, so the
// last band absorbs any remainder. Two fingerprints that agree in at least
// one band are LSH candidates; the same function serves index and query
// time so the boundaries can never drift.
func Bands(frameHashes []uint64, numBands int) []string {
	totalBits := len(frameHashes) * HashBits
	if numBands <= 0 || totalBits == 0 {
		return nil
	}

	bit := func(i int) byte {
		return byte((frameHashes[i/HashBits] >> (HashBits - 1 - i%HashBits)) & 1)
	}

	bands := make([]string, 0, numBands)
	for b := 0; b < numBands; b++ {
		start := (b * totalBits) / numBands
		end := ((b + 1) * totalBits) / numBands

		// Pack the slice MSB-first into bytes, zero-padding the tail.
		packed := make([]byte, (end-start+7)/8)
		for i := start; i < end; i++ {
			if bit(i) == 1 {
				off := i - start
				packed[off/8] |= 1 << (7 - off%8)
			}
		}
		bands = append(bands, strings.ToUpper(hex.EncodeToString(packed)))
	}
	return bands
}

// BandsFromHash computes band signatures directly from a perceptual hash
// string. Used on the query path, where only the stored string form is
// available.
func BandsFromHash(perceptualHash string, numBands int) ([]string, error) {
	frameHashes, err := ParseHash(perceptualHash)
	if err != nil {
		return nil, err
	}
	return Bands(frameHashes, numBands), nil
}
