package domain

import "errors"

// Error taxonomy surfaced to callers. None of these are retried inside the
// engine; the analysis pipeline decides what to do (typically fall back to
// a full analysis on cache-check failure).
var (
	// ErrUnreadableMedia means the source could not be opened or decoded.
	ErrUnreadableMedia = errors.New("unreadable media")

	// ErrInsufficientFrames means fewer than two usable frames could be
	// extracted from the source.
	ErrInsufficientFrames = errors.New("insufficient frames")

	// ErrUnknownFingerprint means a lineage operation referenced a content
	// hash that was never registered.
	ErrUnknownFingerprint = errors.New("unknown fingerprint")

	// ErrHashLengthMismatch means a stored perceptual hash failed to parse.
	// Treated as data corruption: the record is excluded from similarity
	// candidates, never fatal for the lookup.
	ErrHashLengthMismatch = errors.New("perceptual hash length mismatch")
)
