package transcode

import "errors"

var (
	// ErrNoAudioTrack indicates the source contains no usable audio stream.
	// Terminal: retrying cannot add an audio track.
	ErrNoAudioTrack = errors.New("no audio track")
	// ErrTimeout indicates the hard wall-clock budget was exceeded.
	// Terminal: a longer run would only exceed it again.
	ErrTimeout = errors.New("transcode timeout")
	// ErrFailed indicates a non-zero exit or a missing/empty output file.
	// Retryable within the transcode attempt budget.
	ErrFailed = errors.New("transcode failed")
	// ErrProbe indicates the probe tool itself could not inspect the source.
	ErrProbe = errors.New("probe failed")
)

// Retryable reports whether the transcode stage may attempt the error again.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNoAudioTrack), errors.Is(err, ErrTimeout):
		return false
	}
	return true
}
