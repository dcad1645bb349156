package model

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/neurolens/neurolens/internal/modality"
)

// Member selects one checkpoint of a key. The secondary member is the
// ensemble partner of the primary one.
type Member string

const (
	Primary   Member = "primary"
	Secondary Member = "secondary"
)

// Spec describes one checkpoint directory.
type Spec struct {
	Arch    Architecture
	Dir     string
	Classes int
	// SHA256 pins file names inside Dir to their expected digests.
	SHA256 map[string]string
}

// Entry is one row of the model table.
type Entry struct {
	Primary   Spec
	Secondary *Spec
}

// Table maps every supported key to its checkpoints.
type Table map[modality.Key]Entry

// DefaultTable is the built-in model table rooted at dir.
func DefaultTable(dir string) Table {
	spec := func(arch Architecture, name string, classes int) Spec {
		return Spec{Arch: arch, Dir: filepath.Join(dir, name), Classes: classes}
	}
	second := func(arch Architecture, name string, classes int) *Spec {
		s := spec(arch, name, classes)
		return &s
	}
	return Table{
		{Condition: modality.Alzheimer, Modality: modality.MRIAxial}: {
			Primary:   spec(ResNet101MRI, "resnet101_alzheimer_axial", 5),
			Secondary: second(ResNet50MRI, "resnet50_alzheimer_axial", 5),
		},
		{Condition: modality.Alzheimer, Modality: modality.MRISagittal}: {
			Primary:   spec(ResNet101MRI, "resnet101_alzheimer_sagittal", 5),
			Secondary: second(ResNet50MRI, "resnet50_alzheimer_sagittal", 5),
		},
		{Condition: modality.Alzheimer, Modality: modality.MRIGeneral}: {
			Primary: spec(ResNet50MRI, "resnet50_alzheimer", 5),
		},
		{Condition: modality.Alzheimer, Modality: modality.Audio}: {
			Primary: spec(AudioDualBranch, "dual_branch_audio", 3),
		},
		{Condition: modality.Parkinson, Modality: modality.MRIGeneral}: {
			Primary: spec(ResNet50MRI, "resnet50_parkinson", 4),
		},
		{Condition: modality.Parkinson, Modality: modality.MRISagittal}: {
			Primary:   spec(ResNet101MRI, "resnet101_parkinson", 4),
			Secondary: second(ResNet50MRI, "resnet50_parkinson", 4),
		},
		{Condition: modality.Parkinson, Modality: modality.Audio}: {
			Primary: spec(AudioDualBranch, "dual_branch_audio", 3),
		},
		{Condition: modality.Parkinson, Modality: modality.Drawing}: {
			Primary: spec(ResNet50Raw, "resnet50_parkinson_drawing", 2),
		},
	}
}

// Validate checks that every spec has a known architecture, a directory and
// a class count matching the key's vocabulary.
func (t Table) Validate() error {
	for _, key := range t.Keys() {
		e := t[key]
		want := len(key.Classes())
		check := func(m Member, s Spec) error {
			if _, err := ParseArchitecture(string(s.Arch)); err != nil {
				return fmt.Errorf("models[%s].%s: %w", key, m, err)
			}
			if s.Dir == "" {
				return fmt.Errorf("models[%s].%s: dir is required", key, m)
			}
			if s.Classes != want {
				return fmt.Errorf("models[%s].%s: classes %d does not match vocabulary size %d", key, m, s.Classes, want)
			}
			if (s.Arch == AudioDualBranch) != (key.Modality == modality.Audio) {
				return fmt.Errorf("models[%s].%s: architecture %s does not fit modality %s", key, m, s.Arch, key.Modality)
			}
			return nil
		}
		if err := check(Primary, e.Primary); err != nil {
			return err
		}
		if e.Secondary != nil {
			if err := check(Secondary, *e.Secondary); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys returns the table keys in a stable order.
func (t Table) Keys() []modality.Key {
	keys := make([]modality.Key, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (e Entry) member(m Member) (Spec, bool) {
	switch m {
	case Primary:
		return e.Primary, true
	case Secondary:
		if e.Secondary != nil {
			return *e.Secondary, true
		}
	}
	return Spec{}, false
}
