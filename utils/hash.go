package utils

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash fingerprints a chunk by where it came from and what it says.
// Two ingestions of the same file with the same splitter settings produce the
// same hashes, which is what deduplicating inserts key on.
func ContentHash(source string, page int, startIndex *int, text string) string {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes

	var num [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(num[:], uint64(len(b)))
		h.Write(num[:])
		h.Write(b)
	}

	writeField([]byte(source))
	binary.BigEndian.PutUint64(num[:], uint64(int64(page)))
	h.Write(num[:])
	start := int64(-1)
	if startIndex != nil {
		start = int64(*startIndex)
	}
	binary.BigEndian.PutUint64(num[:], uint64(start))
	h.Write(num[:])
	writeField([]byte(text))

	return hex.EncodeToString(h.Sum(nil))
}
