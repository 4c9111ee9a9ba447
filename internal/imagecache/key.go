package imagecache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// Key derives the cache key identifying one distinct generation request.
//
// It hashes a length-prefixed encoding of the four request fields with
// SHA-256, so field boundaries stay unambiguous no matter what characters
// appear in prompt or style ("x"+100 vs "x_100" cannot collide). Callers
// must pass the normalized width/height (see NormalizeSize), not the raw
// values from the request.
func Key(prompt string, width, height int, style string) string {
	h := sha256.New()

	writeField(h, prompt)
	writeInt(h, width)
	writeInt(h, height)
	writeField(h, style)

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}
