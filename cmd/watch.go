package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/dashlink/internal/frame"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/spf13/cobra"
)

var (
	watchAddr     string
	watchSaveDir  string
	watchMaxFrame uint64
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a transmitter and print every frame it sends",
	Run: func(cmd *cobra.Command, args []string) {
		n, err := runWatch(cmd.Context(), watchAddr, watchSaveDir, watchMaxFrame, os.Stdout)
		if err != nil && cmd.Context().Err() == nil {
			utils.Die("Watch failed", err)
		}
		fmt.Fprintf(os.Stderr, "✅ Received %d frames\n", n)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchAddr, "addr", "a", "127.0.0.1:2663", "Transmitter address")
	watchCmd.Flags().StringVarP(&watchSaveDir, "save-dir", "s", "", "Write every frame's artifacts to a numbered directory here")
	watchCmd.Flags().Uint64Var(&watchMaxFrame, "max-frame-size", 64<<20, "Reject frames larger than this many bytes (0 for no limit)")
	rootCmd.AddCommand(watchCmd)
}

// runWatch reads frames until the transmitter closes the connection and
// returns how many it received. A clean close between frames is not an error.
func runWatch(ctx context.Context, addr, saveDir string, limit uint64, out io.Writer) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	count := 0
	for {
		f, err := frame.ReadFrame(conn, limit)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("frame %d: %w", count+1, err)
		}
		count++
		fmt.Fprintln(out, describeFrame(count, f))

		if saveDir != "" {
			if _, err := saveFrame(saveDir, count, f); err != nil {
				return count, err
			}
		}
	}
}

func describeFrame(n int, f frame.Frame) string {
	line := fmt.Sprintf("🖼️  frame %d: preprocessed %s, processed %s, %d scores",
		n, utils.HumanBytes(len(f.Preprocessed)), utils.HumanBytes(len(f.Processed)), len(f.Scores))
	if top := utils.ArgMax(f.Scores); top >= 0 {
		line += fmt.Sprintf(", top class %d (%.3f)", top, f.Scores[top])
	}
	return line
}

// saveFrame writes f into dir/frame_NNNN using the same file names the
// transmitter reads, so a saved frame can be served again.
func saveFrame(dir string, n int, f frame.Frame) (string, error) {
	target := filepath.Join(dir, fmt.Sprintf("frame_%04d", n))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}

	var scores strings.Builder
	for _, v := range f.Scores {
		scores.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		scores.WriteByte('\n')
	}

	files := []struct {
		name string
		data []byte
	}{
		{"step_1.jpg", f.Preprocessed},
		{"step_8.jpg", f.Processed},
		{"softmax_results.csv", []byte(scores.String())},
	}
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(target, file.name), file.data, 0o644); err != nil {
			return "", fmt.Errorf("save %s: %w", file.name, err)
		}
	}
	return target, nil
}
