package domain

import "errors"

// Sentinel errors classify why a transcode attempt failed, so the
// supervisor's retry policy (spec.md §7) can tell a recoverable fault from a
// terminal one without parsing ffmpeg stderr text at every call site.
var (
	// ErrCorruptedSource means ffprobe could not make sense of the input at
	// all. Not retryable.
	ErrCorruptedSource = errors.New("source file is corrupted or unreadable")

	// ErrHardwareDecodeFailure means a hardware-accelerated attempt failed in
	// a way attributable to the accelerator. Retryable once, in software.
	ErrHardwareDecodeFailure = errors.New("hardware-accelerated decode failed")

	// ErrSecondaryAudioFailure means the primary video/audio pass succeeded
	// but a non-primary audio track could not be encoded. Degraded, not
	// retryable: the job still completes with the tracks that worked.
	ErrSecondaryAudioFailure = errors.New("secondary audio track failed to encode")

	// ErrValidationFailure means the encode finished but the published
	// output failed post-encode validation (missing playlist, zero
	// segments, etc). Retryable.
	ErrValidationFailure = errors.New("output failed post-encode validation")

	// ErrTranscoderCrash means the ffmpeg child exited non-zero or was
	// killed unexpectedly. Retryable.
	ErrTranscoderCrash = errors.New("transcoder process exited unexpectedly")

	// ErrUserCancellation means the job was cancelled by an admin operation.
	// Not retryable.
	ErrUserCancellation = errors.New("job cancelled")

	// ErrPersistenceFailure means the queue's JSON state could not be
	// written to disk. Not a job-level fault.
	ErrPersistenceFailure = errors.New("queue state could not be persisted")

	// ErrMetadataSyncFailure means the job completed and published
	// correctly but the metadata store write failed. Not retryable at the
	// job level: surfaced so reconciliation can catch up later.
	ErrMetadataSyncFailure = errors.New("metadata store sync failed")
)

// IsRetryable reports whether a failure classified by one of the sentinel
// errors above should be retried subject to MaxRetries.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrCorruptedSource),
		errors.Is(err, ErrUserCancellation),
		errors.Is(err, ErrSecondaryAudioFailure),
		errors.Is(err, ErrMetadataSyncFailure):
		return false
	case errors.Is(err, ErrHardwareDecodeFailure),
		errors.Is(err, ErrValidationFailure),
		errors.Is(err, ErrTranscoderCrash):
		return true
	default:
		return true
	}
}
