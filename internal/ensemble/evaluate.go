package ensemble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/sync/errgroup"

	"github.com/neurolens/neurolens/internal/imgproc"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/tensor"
	"github.com/neurolens/neurolens/internal/transform"
)

// Item is one labelled sample of an image-folder dataset.
type Item struct {
	Path  string
	Class int
}

// LoadImageFolder lists <root>/<class>/<file> samples. Class directories must
// name entries of labels; files are visited in sorted order.
func LoadImageFolder(root string, labels []string) ([]Item, error) {
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset root: %w", err)
	}
	var items []Item
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		cls, ok := index[d.Name()]
		if !ok {
			return nil, fmt.Errorf("class directory %q is not in vocabulary %v", d.Name(), labels)
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read class %s: %w", d.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			items = append(items, Item{Path: filepath.Join(root, d.Name(), f.Name()), Class: cls})
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	if len(items) == 0 {
		return nil, fmt.Errorf("no samples under %s", root)
	}
	return items, nil
}

// PredictFunc classifies already-transformed inputs.
type PredictFunc func(ctx context.Context, inputs []tensor.Tensor) (Result, error)

// ClassMetrics is one row of a classification report.
type ClassMetrics struct {
	Label     string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report aggregates an evaluation run.
type Report struct {
	Name     string
	Accuracy float64
	Classes  []ClassMetrics
	Macro    ClassMetrics
	Weighted ClassMetrics
	Total    int
	Skipped  int
}

// Evaluate runs predict over items, batchSize samples at a time, and builds
// the report. Samples whose artifact cannot be read or is degenerate are
// skipped and counted.
func Evaluate(ctx context.Context, name string, items []Item, labels []string, tr transform.Transform, predict PredictFunc, batchSize int) (*Report, error) {
	if batchSize <= 0 {
		batchSize = 8
	}
	preds := make([]int, len(items))
	var (
		mu      sync.Mutex
		skipped int
	)
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				preds[i] = -1
				inputs, err := tr.Load(items[i].Path)
				if errors.Is(err, transform.ErrUnreadable) || errors.Is(err, imgproc.ErrDegenerate) {
					redact.Logf("evaluate %s: skipping %s: %v", name, filepath.Base(items[i].Path), err)
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				if err != nil {
					return err
				}
				res, err := predict(gctx, inputs)
				if err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(items[i].Path), err)
				}
				preds[i] = res.Index
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	truth := make([]int, 0, len(items))
	got := make([]int, 0, len(items))
	for i, it := range items {
		if preds[i] < 0 {
			continue
		}
		truth = append(truth, it.Class)
		got = append(got, preds[i])
	}
	rep := Score(name, truth, got, labels)
	rep.Skipped = skipped
	return rep, nil
}

// Score computes accuracy and per-class precision/recall/F1 with macro and
// support-weighted averages. Undefined ratios are reported as zero.
func Score(name string, truth, pred []int, labels []string) *Report {
	n := len(labels)
	tp := make([]int, n)
	fp := make([]int, n)
	fn := make([]int, n)
	correct := 0
	for i := range truth {
		t, p := truth[i], pred[i]
		if t == p {
			correct++
			tp[t]++
			continue
		}
		if p >= 0 && p < n {
			fp[p]++
		}
		fn[t]++
	}

	rep := &Report{Name: name, Total: len(truth)}
	if len(truth) > 0 {
		rep.Accuracy = float64(correct) / float64(len(truth))
	}
	rep.Macro.Label = "macro avg"
	rep.Weighted.Label = "weighted avg"
	for c := 0; c < n; c++ {
		m := ClassMetrics{Label: labels[c], Support: tp[c] + fn[c]}
		m.Precision = ratio(tp[c], tp[c]+fp[c])
		m.Recall = ratio(tp[c], tp[c]+fn[c])
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		rep.Classes = append(rep.Classes, m)

		rep.Macro.Precision += m.Precision / float64(n)
		rep.Macro.Recall += m.Recall / float64(n)
		rep.Macro.F1 += m.F1 / float64(n)
		rep.Macro.Support += m.Support
		if rep.Total > 0 {
			w := float64(m.Support) / float64(rep.Total)
			rep.Weighted.Precision += m.Precision * w
			rep.Weighted.Recall += m.Recall * w
			rep.Weighted.F1 += m.F1 * w
		}
		rep.Weighted.Support += m.Support
	}
	return rep
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Render formats the report as a table with four decimal digits.
func (r *Report) Render() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(r.Name)
	tw.AppendHeader(table.Row{"", "precision", "recall", "f1-score", "support"})
	for _, m := range r.Classes {
		tw.AppendRow(metricsRow(m))
	}
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"accuracy", "", "", f4(r.Accuracy), r.Total})
	tw.AppendRow(metricsRow(r.Macro))
	tw.AppendRow(metricsRow(r.Weighted))
	cfg := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for i := 2; i <= 5; i++ {
		cfg = append(cfg, table.ColumnConfig{Number: i, Align: text.AlignRight, AlignHeader: text.AlignRight})
	}
	tw.SetColumnConfigs(cfg)

	var b strings.Builder
	fmt.Fprintf(&b, "Accuracy: %.4f\n", r.Accuracy)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "Skipped: %d unreadable samples\n", r.Skipped)
	}
	b.WriteString(tw.Render())
	b.WriteString("\n")
	return b.String()
}

// WriteFile writes the rendered report to path.
func (r *Report) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(r.Render()), 0o644)
}

func metricsRow(m ClassMetrics) table.Row {
	return table.Row{m.Label, f4(m.Precision), f4(m.Recall), f4(m.F1), m.Support}
}

func f4(v float64) string { return fmt.Sprintf("%.4f", v) }
