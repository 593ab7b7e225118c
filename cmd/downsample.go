package cmd

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/dashlink/internal/imaging"
	"github.com/andresmejia3/dashlink/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	dsWidth  int
	dsHeight int
	dsOutDir string
)

var downsampleCmd = &cobra.Command{
	Use:   "downsample <images...>",
	Short: "Reduce grayscale images to the classifier's input resolution by area averaging",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDownsample(args)
	},
}

func init() {
	downsampleCmd.Flags().IntVarP(&dsWidth, "width", "W", 28, "Target width in pixels")
	downsampleCmd.Flags().IntVarP(&dsHeight, "height", "H", 28, "Target height in pixels")
	downsampleCmd.Flags().StringVarP(&dsOutDir, "out-dir", "o", ".", "Directory for the downsampled PNGs")
	rootCmd.AddCommand(downsampleCmd)
}

func runDownsample(paths []string) {
	if err := os.MkdirAll(dsOutDir, 0o755); err != nil {
		utils.Die("Failed to create output directory", err)
	}

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🔬 Downsampling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	failed := 0
	for _, p := range paths {
		if _, err := downsampleFile(p, dsOutDir, dsWidth, dsHeight); err != nil {
			// Keep going; one unreadable image shouldn't abort the batch
			fmt.Fprintf(os.Stderr, "\n⚠️  %s: %v\n", p, err)
			failed++
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if failed > 0 {
		utils.Die("Downsample incomplete", fmt.Errorf("%d of %d images failed", failed, len(paths)))
	}
	fmt.Fprintf(os.Stderr, "✨ Wrote %d images to %s\n", len(paths), dsOutDir)
}

// downsampleFile decodes path, converts it to gray, downsamples it and writes
// <name>_<w>x<h>.png into outDir. It returns the written path.
func downsampleFile(path, outDir string, width, height int) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	small, err := imaging.Downsample(imaging.GridFromImage(img), width, height)
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	target := filepath.Join(outDir, fmt.Sprintf("%s_%dx%d.png", base, width, height))
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if err := png.Encode(out, imaging.ImageFromGrid(small)); err != nil {
		out.Close()
		return "", fmt.Errorf("encode %s: %w", target, err)
	}
	return target, out.Close()
}
