package utils

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Die is the unified exit strategy for dashlink.
// It prints a formatted error box naming the stage that failed and exits.
func Die(stage string, err error) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DASHLINK ERROR: %s\n", stage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	os.Exit(1)
}

// FrameDigest returns the hex BLAKE3-256 hash of an encoded frame.
// Dashboards can log the same digest to match a received frame to its send record.
func FrameDigest(frame []byte) string {
	sum := blake3.Sum256(frame)
	return hex.EncodeToString(sum[:])
}

// ArgMax returns the index of the largest score, or -1 for an empty vector.
func ArgMax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if best == -1 || v > scores[best] {
			best = i
		}
	}
	return best
}

// HumanBytes formats a byte count for progress lines ("1.2 MiB").
func HumanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := int64(n) / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
