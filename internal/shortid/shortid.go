// Package shortid generates the short, URL-safe identifiers used for file
// and URL records.
package shortid

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Alphabet excludes the visually confusable 0 O o 1 l I.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"

const (
	DefaultLength      = 6
	DefaultMaxAttempts = 64
)

// ErrExhausted means every attempt collided. At sane table sizes this only
// happens when the ID length is far too small for the namespace, so callers
// should treat it as a configuration error rather than retry.
var ErrExhausted = errors.New("short id namespace exhausted")

// ExistsFunc reports whether id is already taken in the caller's namespace.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// Generator draws fixed-length random IDs over Alphabet.
type Generator struct {
	length      int
	maxAttempts int
}

// New returns a Generator. Non-positive arguments select the defaults.
func New(length, maxAttempts int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{length: length, maxAttempts: maxAttempts}
}

// Length returns the number of characters in generated IDs.
func (g *Generator) Length() int { return g.length }

// Random returns one candidate ID without any collision check.
func (g *Generator) Random() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, g.length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Next regenerates until exists reports the candidate unused.
func (g *Generator) Next(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := g.Random()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts (length %d)", ErrExhausted, g.maxAttempts, g.length)
}

// Valid reports whether s has the generator's shape. It is used to reject
// obviously bogus path segments before they reach the record store.
func (g *Generator) Valid(s string) bool {
	if len(s) != g.length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
