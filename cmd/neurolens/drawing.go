package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neurolens/neurolens/internal/drawing"
)

func newDrawingCommand() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:         "drawing <image>",
		Short:       "Analyze a spiral or wave drawing for tremor",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if outDir == "" {
				outDir = filepath.Dir(path)
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			a, err := drawing.Analyze(path, "", filepath.Join(outDir, base))
			if err != nil {
				return err
			}
			m := a.Metrics
			rows := [][]string{
				{"shape", a.ShapeType},
				{"stroke_mean", f4(m.StrokeMean)},
				{"stroke_std", f4(m.StrokeStd)},
				{"local_contrast", f4(m.LocalContrast)},
				{"entropy", f4(m.Entropy)},
				{"glcm_contrast", f4(m.GLCMContrast)},
				{"high_freq_power", f4(m.HighFreqPower)},
				{"tremor overlay", a.TremorPath},
				{"fft", a.FFTPath},
				{"fft radial", a.RadialPath},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for the generated images (defaults to the input's directory)")
	return cmd
}

func f4(v float64) string { return fmt.Sprintf("%.4f", v) }
