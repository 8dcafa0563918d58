package models

import "errors"

// Failure taxonomy shared by every pipeline stage. Callers wrap these with
// fmt.Errorf("...: %w") and test them with errors.Is.
var (
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrIndexUnavailable      = errors.New("index unavailable")
	ErrMalformedContent      = errors.New("malformed content")
	ErrNotFound              = errors.New("not found")
)
