// Package splitter implements the consistent hashing used to place a key into
// one of 100 buckets and to pick a treatment from a weighted partition table.
// Every function here is pure: the same inputs always produce the same bucket,
// which keeps assignments stable across processes and releases.
package splitter

import (
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Algorithm selects the hash function used for bucketing.
type Algorithm int

const (
	// Legacy is the 32-bit polynomial string hash (h = 31*h + c over UTF-16 code units).
	Legacy Algorithm = 1
	// Murmur3 is MurmurHash3 x86 32-bit with seed 0.
	Murmur3 Algorithm = 2
)

// Control is the treatment served whenever a definitive answer cannot be computed.
const Control = "control"

// MaxBucket is the upper bound (inclusive) of Bucket's range.
const MaxBucket = 100

// ParseAlgorithm maps the wire value to an Algorithm.
// Unknown or absent values fall back to Legacy.
func ParseAlgorithm(v int) Algorithm {
	if Algorithm(v) == Murmur3 {
		return Murmur3
	}
	return Legacy
}

// String returns the wire-friendly name of the algorithm.
func (a Algorithm) String() string {
	if a == Murmur3 {
		return "murmur3"
	}
	return "legacy"
}

// Partition assigns a weight (percentage) to a treatment.
type Partition struct {
	Treatment string `json:"treatment"`
	Size      int    `json:"size"`
}

// Hash returns the 32-bit hash of the composite key "<key>.<seed>".
func Hash(key string, seed int64, algo Algorithm) int64 {
	composite := key + "." + strconv.FormatInt(seed, 10)
	if algo == Murmur3 {
		return int64(murmur3.Sum32WithSeed([]byte(composite), 0))
	}
	return int64(legacyHash(composite))
}

// Bucket maps the key into [1, 100].
func Bucket(key string, seed int64, algo Algorithm) int {
	h := Hash(key, seed, algo)
	if algo == Murmur3 {
		// Murmur output is unsigned; Hash widened it to int64 so this is non-negative.
		return int(h%MaxBucket) + 1
	}
	r := h % MaxBucket
	if r < 0 {
		r = -r
	}
	return int(r) + 1
}

// Treatment walks the partitions in order, accumulating weights, and returns the
// first treatment whose cumulative weight reaches the key's bucket.
// When the weights do not cover the bucket the result is Control.
func Treatment(key string, seed int64, partitions []Partition, algo Algorithm) string {
	if len(partitions) == 0 {
		return Control
	}

	// A single 100% partition needs no hashing.
	if len(partitions) == 1 && partitions[0].Size == MaxBucket {
		return partitions[0].Treatment
	}

	return TreatmentForBucket(Bucket(key, seed, algo), partitions)
}

// TreatmentForBucket resolves a precomputed bucket against the partition table.
func TreatmentForBucket(bucket int, partitions []Partition) string {
	covered := 0
	for _, p := range partitions {
		covered += p.Size
		if covered >= bucket {
			return p.Treatment
		}
	}
	return Control
}

// legacyHash reproduces the 32-bit polynomial string hash over UTF-16 code units,
// relying on int32 wrap-around for overflow.
func legacyHash(s string) int32 {
	var h int32
	for _, r := range s {
		if r >= 0x10000 {
			// Supplementary characters count as a surrogate pair.
			r -= 0x10000
			hi := 0xD800 + (r>>10)&0x3FF
			lo := 0xDC00 + r&0x3FF
			h = 31*h + hi
			h = 31*h + lo
			continue
		}
		h = 31*h + r
	}
	return h
}
