package imgutil

import (
	"image"
	"math/bits"

	"github.com/corona10/goimagehash"
)

// Phash computes the 64-bit perceptual hash used for visual near-dup
// suppression on two-pass probe platforms.
func Phash(img image.Image) (uint64, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, err
	}
	return h.GetHash(), nil
}

// nearDupMaxDistance is the Hamming radius treated as a visual duplicate.
const nearDupMaxDistance = 6

// hammingDistance counts differing bits between two perceptual hashes.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// nearDuplicate reports whether two hashes are within the near-dup window.
func nearDuplicate(a, b uint64) bool {
	return hammingDistance(a, b) <= nearDupMaxDistance
}
