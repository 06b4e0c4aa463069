// Package codegen provides short-code generation for links.
// Generators should be safe for concurrent use.
package codegen

import (
	"crypto/rand"
	"errors"
)

// Alphabet excludes characters that are easy to confuse when a code is
// read aloud or copied by hand: 0/O/o, 1/l/I.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"

const (
	// MinLength and MaxLength bound valid code lengths.
	MinLength = 6
	MaxLength = 8

	// DefaultLength is the length used for generated codes.
	DefaultLength = 7
)

// Generator generates short codes.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate(length int) (string, error)
}

// randomGenerator implements Generator over the confusion-resistant alphabet.
// It is safe for concurrent use.
type randomGenerator struct{}

// New returns a new random short-code generator.
func New() Generator {
	return &randomGenerator{}
}

// Generate generates a random code of the specified length.
func (g *randomGenerator) Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", errors.New("length must be between 6 and 8")
	}

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	for i := range b {
		b[i] = Alphabet[int(b[i])%len(Alphabet)]
	}

	return string(b), nil
}
