// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// Hash64 folds an identifier of any length into 8 bytes. The result is used
// solely for identification where a wire field is narrower than the id and
// does not need to be reversible.
func Hash64(id []byte) uint64 {
	h := fnv.New64a()
	h.Write(id)
	return h.Sum64()
}
