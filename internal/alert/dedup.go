package alert

import (
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PriceBucket rounds price to the nearest multiple of size and returns the bucket index.
func PriceBucket(price, size float64) int64 {
	if size <= 0 {
		return int64(math.Round(price))
	}
	return int64(math.Round(price / size))
}

// DedupKey hashes (pattern, instrument, rounded price bucket).
func DedupKey(pattern Pattern, instrument string, price, bucketSize float64) uint64 {
	var b strings.Builder
	b.WriteString(string(pattern))
	b.WriteByte('|')
	b.WriteString(instrument)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(PriceBucket(price, bucketSize), 10))
	return xxhash.Sum64String(b.String())
}
