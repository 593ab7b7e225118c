package artifact

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/andresmejia3/dashlink/internal/types"
)

// FileSource reads the artifacts the imaging pipeline leaves on disk.
// Every Load reads the files again so a trigger always sees current state.
type FileSource struct {
	PreprocessedPath string
	ProcessedPath    string
	ScoresPath       string
}

// Load reads all three artifacts.
func (s *FileSource) Load(ctx context.Context) (types.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return types.Bundle{}, err
	}

	pre, err := os.ReadFile(s.PreprocessedPath)
	if err != nil {
		return types.Bundle{}, fmt.Errorf("read preprocessed image: %w", err)
	}
	proc, err := os.ReadFile(s.ProcessedPath)
	if err != nil {
		return types.Bundle{}, fmt.Errorf("read processed image: %w", err)
	}
	raw, err := os.ReadFile(s.ScoresPath)
	if err != nil {
		return types.Bundle{}, fmt.Errorf("read scores: %w", err)
	}
	scores, err := ParseScores(raw)
	if err != nil {
		return types.Bundle{}, fmt.Errorf("parse %s: %w", s.ScoresPath, err)
	}

	return types.Bundle{Preprocessed: pre, Processed: proc, Scores: scores}, nil
}

// ParseScores reads a whitespace or comma separated list of numbers, the
// format the classifier dumps its softmax output in. Lines starting with '#'
// are comments. Values are parsed at double precision then narrowed to float32.
func ParseScores(data []byte) ([]float32, error) {
	var scores []float32
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			scores = append(scores, float32(v))
		}
	}
	return scores, scanner.Err()
}
