package model

import "errors"

var (
	// ErrSequenceTooLong is returned when a forward pass gets more tokens than
	// the position table has rows.
	ErrSequenceTooLong = errors.New("sequence longer than block size")
	// ErrTokenOutOfRange is returned for a token id outside [0, vocab_size).
	ErrTokenOutOfRange = errors.New("token id out of range")
	// ErrShapeMismatch is returned for ragged batches or targets whose shape
	// differs from the input.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrEmptyBatch is returned for a batch with no rows or no tokens.
	ErrEmptyBatch = errors.New("empty batch")
)
