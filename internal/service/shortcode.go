package service

import (
	"math/rand/v2"
)

// Base62 character set for short code generation
const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// CodeGenerator produces candidate short codes. Uniqueness is not its job:
// the link store rejects taken codes and the caller retries.
type CodeGenerator interface {
	Generate() string
}

// ShortCodeGenerator draws fixed-length codes uniformly from base62
type ShortCodeGenerator struct {
	codeLength int
}

// NewShortCodeGenerator creates a new short code generator
func NewShortCodeGenerator(codeLength int) *ShortCodeGenerator {
	return &ShortCodeGenerator{codeLength: codeLength}
}

// Generate returns a random base62 code of the configured length
func (g *ShortCodeGenerator) Generate() string {
	b := make([]byte, g.codeLength)
	for i := range b {
		b[i] = base62Chars[rand.IntN(len(base62Chars))]
	}
	return string(b)
}
