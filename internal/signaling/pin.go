package signaling

import (
	"crypto/rand"
	"math/big"
)

// PINLength is the length of PINs made by NewPIN.
const PINLength = 6

// NewPIN returns a random numeric PIN for a listener that was given none.
func NewPIN() string {
	digits := make([]byte, PINLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(err)
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
