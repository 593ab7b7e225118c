package types

import (
	"time"

	"github.com/google/uuid"
)

// Bundle holds the three artifacts sent together for a single trigger
type Bundle struct {
	Preprocessed []byte    // Raw camera image (JPEG bytes as read from disk)
	Processed    []byte    // Image after the filtering pipeline
	Scores       []float32 // Softmax output of the classifier
}

// TriggerEvent is one observed "1" on the control channel
type TriggerEvent struct {
	ID         uuid.UUID
	ObservedAt time.Time
	Source     string // "fifo", "redis", ...
}

// Transmission is the log entry persisted after a frame reaches the dashboard
type Transmission struct {
	ID                uuid.UUID
	ObservedAt        time.Time
	SentAt            time.Time
	Peer              string
	FrameBytes        int
	PreprocessedBytes int
	ProcessedBytes    int
	Scores            []float32
	Digest            string // BLAKE3 of the full frame, hex
}
