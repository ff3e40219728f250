package storageengine

import "errors"

// --- Error Definitions ---

var (
	ErrScriptRejected   = errors.New("script rejected by the interpreter")
	ErrLockContention   = errors.New("lock retry budget exhausted")
	ErrAttemptCancelled = errors.New("attempt cancelled while waiting for locks")
	ErrAttemptFinished  = errors.New("attempt already decided")
	ErrSnapshotWrite    = errors.New("snapshot write failed, commit applied in memory only")
	ErrSnapshotCorrupt  = errors.New("snapshot file is malformed")
	ErrInvalidConfig    = errors.New("invalid storage engine configuration")
)
