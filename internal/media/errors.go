package media

import "errors"

// Error kinds surfaced by the buffering layers. Callers match them with
// errors.Is; queue failures wrap them with the failing track and op kind.
var (
	// ErrQuotaExceeded means the host buffer is full. Callers recover by
	// evicting content; it is never retried internally.
	ErrQuotaExceeded = errors.New("mseq: quota exceeded")
	// ErrDecode means the host could not parse the appended segment.
	ErrDecode = errors.New("mseq: decode error")
	// ErrTrackClosed means the host buffer was removed or reconfigured. It is
	// fatal for the track's queue.
	ErrTrackClosed = errors.New("mseq: track closed")
	// ErrEngineDestroyed is returned by every call after Destroy.
	ErrEngineDestroyed = errors.New("mseq: engine destroyed")
	// ErrUnsupportedConfiguration is returned by Init when a declared type
	// can be neither buffered natively nor transmuxed.
	ErrUnsupportedConfiguration = errors.New("mseq: unsupported configuration")
	// ErrAborted settles entries cancelled by an abort.
	ErrAborted = errors.New("mseq: operation aborted")
	// ErrStreamEnded rejects appends and duration changes after end-of-stream.
	ErrStreamEnded = errors.New("mseq: stream ended")
	// ErrInvalidWindow rejects append windows whose start exceeds their end.
	ErrInvalidWindow = errors.New("mseq: invalid append window")
	// ErrUnknownTrack is returned for operations on a type that was not
	// initialized.
	ErrUnknownTrack = errors.New("mseq: unknown track")
	// ErrInvalidState is the host's answer to a call it cannot take right
	// now, such as a second operation while one is in flight.
	ErrInvalidState = errors.New("mseq: invalid state")
)
