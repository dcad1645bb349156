// Package events delivers prediction and explanation events to configured
// sinks (JSONL file, webhook) without blocking the request path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neurolens/neurolens/internal/redact"
)

const eventVersion = "1"

// Kind names what an event reports.
type Kind string

const (
	KindPrediction  Kind = "prediction"
	KindEnsemble    Kind = "ensemble_prediction"
	KindExplanation Kind = "explanation"
)

// TimingMs carries stage latencies in milliseconds.
type TimingMs struct {
	Inference   float64 `json:"inference,omitempty"`
	Attribution float64 `json:"attribution,omitempty"`
	Total       float64 `json:"total"`
}

// Event is the canonical payload. It never carries filenames or pixel data.
type Event struct {
	Version         string    `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
	Kind            Kind      `json:"kind"`
	PredictionID    string    `json:"prediction_id"`
	Condition       string    `json:"condition,omitempty"`
	Modality        string    `json:"modality,omitempty"`
	Label           string    `json:"label,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	Status          string    `json:"status,omitempty"`
	Method          string    `json:"method,omitempty"`
	ActivationZone  string    `json:"activation_zone,omitempty"`
	ActivationScore float64   `json:"activation_score,omitempty"`
	Error           string    `json:"error,omitempty"`
	TimingMs        TimingMs  `json:"timing_ms"`
}

// Prediction builds the event for a synchronous classification.
func Prediction(kind Kind, id, condition, modality, label string, confidence float64, inference, total time.Duration) *Event {
	return &Event{
		Version:      eventVersion,
		Timestamp:    time.Now().UTC(),
		Kind:         kind,
		PredictionID: id,
		Condition:    condition,
		Modality:     modality,
		Label:        label,
		Confidence:   confidence,
		Status:       "classified",
		TimingMs:     TimingMs{Inference: millis(inference), Total: millis(total)},
	}
}

// Explanation builds the event for a finished attribution task.
func Explanation(id, status, method, zone string, score float64, err error, took time.Duration) *Event {
	ev := &Event{
		Version:         eventVersion,
		Timestamp:       time.Now().UTC(),
		Kind:            KindExplanation,
		PredictionID:    id,
		Status:          status,
		Method:          method,
		ActivationZone:  zone,
		ActivationScore: score,
		TimingMs:        TimingMs{Attribution: millis(took), Total: millis(took)},
	}
	if err != nil {
		ev.Error = redact.String(err.Error())
	}
	return ev
}

// LogEvent prints a redacted JSON representation of the event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("events: failed to marshal event: %v", err)
		return
	}
	redact.Logf("event: %s", string(data))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SinkConfig describes one sink.
type SinkConfig struct {
	Type    string
	Path    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// BuildSinks constructs sinks in order. Types are "file_jsonl" and "webhook".
func BuildSinks(cfgs []SinkConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfgs))
	for i, c := range cfgs {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(strings.TrimSpace(c.Type)) {
		case "file_jsonl":
			s, err = NewFileSink(c.Path)
		case "webhook":
			s, err = NewWebhookSink(c.URL, c.Headers, c.Timeout)
		default:
			err = fmt.Errorf("unknown type %q", c.Type)
		}
		if err != nil {
			for _, built := range sinks {
				_ = built.Close(context.Background())
			}
			return nil, fmt.Errorf("events sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
