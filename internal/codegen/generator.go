// Package codegen issues short attribution codes for tracking links.
package codegen

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/radiusdt/shoptraffic/internal/models"
)

// Alphabet omits characters that are easy to confuse when read aloud or
// retyped: 0/O, 1/l/I, and i/o.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

const (
	DefaultLength      = 6
	DefaultMaxAttempts = 10
)

// ExistenceChecker reports whether a code was ever issued.
type ExistenceChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// Generator produces codes that are unique against an ExistenceChecker.
type Generator struct {
	checker     ExistenceChecker
	length      int
	maxAttempts int

	// random is swappable for tests.
	random func(length int) (string, error)
	// observe, when set, receives the attempt count of every Generate call.
	observe func(attempts int)
}

// Option configures a Generator.
type Option func(*Generator)

// WithLength sets the code length.
func WithLength(n int) Option {
	return func(g *Generator) { g.length = n }
}

// WithMaxAttempts bounds collision retries.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithRandom replaces the random source.
func WithRandom(fn func(length int) (string, error)) Option {
	return func(g *Generator) { g.random = fn }
}

// WithObserver registers a callback fed the attempts used per call.
func WithObserver(fn func(attempts int)) Option {
	return func(g *Generator) { g.observe = fn }
}

// New creates a Generator.
func New(checker ExistenceChecker, opts ...Option) *Generator {
	g := &Generator{
		checker:     checker,
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
		random:      RandomCode,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAttempts returns the configured retry bound.
func (g *Generator) MaxAttempts() int {
	return g.maxAttempts
}

// Generate returns a code that the checker has not seen. It never persists
// anything; callers reserve the code when they store the link.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := g.random(g.length)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}

		exists, err := g.checker.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %q: %w", code, err)
		}
		if !exists {
			g.record(attempt)
			return code, nil
		}
	}
	g.record(g.maxAttempts)
	return "", fmt.Errorf("%d attempts: %w", g.maxAttempts, models.ErrCodeGenerationExhausted)
}

func (g *Generator) record(attempts int) {
	if g.observe != nil {
		g.observe(attempts)
	}
}

// RandomCode draws length characters from Alphabet using crypto/rand.
func RandomCode(length int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// Valid reports whether code could have been produced with the given length.
func Valid(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !isAlphabet(code[i]) {
			return false
		}
	}
	return true
}

func isAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
