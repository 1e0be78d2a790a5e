package speechtotext

// ErrorKind is the fixed vocabulary recognizers report failures with.
type ErrorKind string

const (
	ErrorPermissionDenied ErrorKind = "permission-denied"
	ErrorNoSpeech         ErrorKind = "no-speech"
	ErrorAudioCapture     ErrorKind = "audio-capture"
	ErrorNetwork          ErrorKind = "network"
	ErrorAborted          ErrorKind = "aborted"
)

// IsSilent reports whether the kind is part of normal turn-taking and should
// not be shown to the user.
func (k ErrorKind) IsSilent() bool {
	return k == ErrorNoSpeech || k == ErrorAborted
}

func (k ErrorKind) String() string { return string(k) }

// Error carries the kind a recognizer failed with when it fails synchronously,
// e.g. while opening a session.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "speech recognition failed: " + string(e.Kind)
	}
	return "speech recognition failed: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
