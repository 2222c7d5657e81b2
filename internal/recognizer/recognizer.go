// Package recognizer turns captcha images into digit guesses. The model
// itself lives outside this process; backends here only reach it.
package recognizer

import (
	"context"
	"errors"
	"fmt"
)

// DefaultLength is the number of digits the portal's captcha carries.
const DefaultLength = 2

var ErrMalformedGuess = errors.New("malformed captcha guess")

// Recognizer classifies one captcha image into a digit string.
// Implementations must be safe for concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Func adapts a plain function to Recognizer.
type Func func(ctx context.Context, image []byte) (string, error)

func (f Func) Recognize(ctx context.Context, image []byte) (string, error) { return f(ctx, image) }

// Adapter validates guesses from a backend and bounds how many inferences
// run at once. Unrelated callers only wait on each other when the bound is
// reached.
type Adapter struct {
	backend Recognizer
	length  int
	sem     chan struct{}
}

func NewAdapter(backend Recognizer, length, maxConcurrent int) *Adapter {
	if length <= 0 {
		length = DefaultLength
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Adapter{backend: backend, length: length, sem: make(chan struct{}, maxConcurrent)}
}

func (a *Adapter) Recognize(ctx context.Context, image []byte) (string, error) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-a.sem }()

	guess, err := a.backend.Recognize(ctx, image)
	if err != nil {
		return "", err
	}
	if err := ValidateGuess(guess, a.length); err != nil {
		return "", err
	}
	return guess, nil
}

// ValidateGuess reports whether guess is exactly length ASCII digits.
func ValidateGuess(guess string, length int) error {
	if len(guess) != length {
		return fmt.Errorf("%w: %q has %d characters, want %d", ErrMalformedGuess, guess, len(guess), length)
	}
	for _, r := range guess {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q contains non-digit %q", ErrMalformedGuess, guess, r)
		}
	}
	return nil
}

// LabelsToString renders per-head class indices as a digit string.
func LabelsToString(labels []int) string {
	b := make([]byte, len(labels))
	for i, l := range labels {
		b[i] = byte('0' + l)
	}
	return string(b)
}
