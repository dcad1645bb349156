package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSafeAttributesFiltersIdentifiers(t *testing.T) {
	kvs := map[string]interface{}{
		"upload_filename": "sub-0042_T1w.png",
		"file_path":       "/static/x.png",
		"patient_id":      "002_S_0295",
		"subject":         "sub-01",
		"authorization":   "Bearer abc",
		"neurolens.key":   "alzheimer/mri_axial",
		"long_string":     string(make([]byte, 300)),
		"neurolens.class": 2,
		"classes":         []string{"AD", "CN"},
		"unsupported":     struct{}{},
	}
	attrs := SafeAttributes(kvs)
	keep := map[string]bool{}
	for _, a := range attrs {
		keep[string(a.Key)] = true
	}
	for _, bad := range []string{"upload_filename", "file_path", "patient_id", "subject", "authorization", "long_string", "unsupported"} {
		if keep[bad] {
			t.Fatalf("unexpected attribute %s", bad)
		}
	}
	for _, good := range []string{"neurolens.key", "neurolens.class", "classes"} {
		if !keep[good] {
			t.Fatalf("expected attribute %s", good)
		}
	}
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "predict", map[string]interface{}{"neurolens.key": "parkinson/drawing"})
	p.RecordPrediction(ctx, "single", "parkinson/drawing", "ok", 10*time.Millisecond)
	p.RecordAttribution(ctx, "gradcam", "completed", time.Second)
	p.RecordModelLoad("parkinson/drawing", "primary", time.Second, errors.New("x"))
	span.End()
	p.Shutdown(context.Background())

	var nilProvider *Provider
	nilProvider.RecordPrediction(context.Background(), "single", "k", "ok", 0)
	nilProvider.Shutdown(context.Background())
}

func TestUnknownProtocol(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}
