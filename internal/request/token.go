package request

import "crypto/rand"

const tokenLength = 20

var tokenCharset = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// NewToken generates the public-facing request reference. Tokens are random
// so request records cannot be enumerated by walking ids.
func NewToken() (string, error) {
	randomBytes := make([]byte, tokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	b := make([]byte, tokenLength)
	for i := range b {
		b[i] = tokenCharset[int(randomBytes[i])%len(tokenCharset)]
	}
	return "qr_" + string(b), nil
}
