package rooms

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// CodeAlphabet omits 0/O and 1/I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const CodeLength = 6

const maxCodeAttempts = 10

var codePattern = regexp.MustCompile(`^[` + CodeAlphabet + `]{6}$`)

// CodeGenerator produces candidate room codes.
type CodeGenerator func() (string, error)

// RandomCode draws CodeLength characters from CodeAlphabet.
func RandomCode() (string, error) {
	buf := make([]byte, CodeLength)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidCode reports whether code has the room-code shape.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}
