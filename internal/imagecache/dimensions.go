package imagecache

// Generation provider dimension constraints. Requested sizes are clamped
// into [MinDimension, MaxDimension] and rounded up to a multiple of
// DimensionStep before they reach the provider or the cache key.
const (
	MinDimension  = 128
	MaxDimension  = 2048
	DimensionStep = 64
)

// NormalizeDimension maps one requested dimension onto the provider's
// legal domain: clamp to the minimum, round up to the nearest step
// multiple, clamp to the maximum. Rounding is always a ceiling so two
// requests inside the same 64px bucket share a cache entry.
func NormalizeDimension(v int) int {
	if v < MinDimension {
		v = MinDimension
	}
	if rem := v % DimensionStep; rem != 0 {
		v += DimensionStep - rem
	}
	if v > MaxDimension {
		v = MaxDimension
	}
	return v
}

// NormalizeSize normalizes a width/height pair. Idempotent: normalizing
// an already-normalized pair returns it unchanged.
func NormalizeSize(width, height int) (int, int) {
	return NormalizeDimension(width), NormalizeDimension(height)
}
