// Package modality names the supported conditions and input modalities and
// parses the keys that select a model.
package modality

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned when a condition or modality is outside the closed set.
var ErrUnknown = errors.New("unknown condition/modality")

// Condition is the disease a model was trained to recognise.
type Condition string

const (
	Alzheimer Condition = "alzheimer"
	Parkinson Condition = "parkinson"
)

// Modality is the signal type (and MRI orientation) of an input artifact.
type Modality string

const (
	MRIAxial    Modality = "mri_axial"
	MRISagittal Modality = "mri_sagittal"
	MRIGeneral  Modality = "mri_general"
	Audio       Modality = "audio"
	Drawing     Modality = "drawing"
)

// Orientation groups modalities for masking, zoning and region partitions.
type Orientation int

const (
	OrientationOther Orientation = iota
	OrientationAxial
	OrientationSagittal
)

func (o Orientation) String() string {
	switch o {
	case OrientationAxial:
		return "axial"
	case OrientationSagittal:
		return "sagittal"
	default:
		return "other"
	}
}

// Key identifies one checkpoint, architecture, vocabulary and normalisation pair.
type Key struct {
	Condition Condition
	Modality  Modality
}

func (k Key) String() string {
	return string(k.Condition) + "/" + string(k.Modality)
}

// IsImage reports whether the key consumes an image artifact.
func (k Key) IsImage() bool {
	return k.Modality != Audio
}

// IsMRI reports whether the key is one of the MRI pathways.
func (k Key) IsMRI() bool {
	switch k.Modality {
	case MRIAxial, MRISagittal, MRIGeneral:
		return true
	}
	return false
}

// Orientation returns the attribution orientation for the key's modality.
func (k Key) Orientation() Orientation {
	return OrientationOf(k.Modality)
}

// OrientationOf maps a modality to its attribution orientation.
func OrientationOf(m Modality) Orientation {
	switch m {
	case MRIAxial:
		return OrientationAxial
	case MRISagittal:
		return OrientationSagittal
	default:
		return OrientationOther
	}
}

var (
	alzheimerMRIClasses = []string{"AD", "CN", "EMCI", "LMCI", "MCI"}
	parkinsonMRIClasses = []string{"Control", "PD", "Prodromal", "SWEDD"}
	audioClasses        = []string{"Alzheimer", "Parkinson", "Healthy"}
	drawingClasses      = []string{"Healthy", "Parkinson"}
)

// Classes returns the ordered class vocabulary for the key.
func (k Key) Classes() []string {
	var src []string
	switch {
	case k.Modality == Audio:
		src = audioClasses
	case k.Modality == Drawing:
		src = drawingClasses
	case k.Condition == Alzheimer:
		src = alzheimerMRIClasses
	default:
		src = parkinsonMRIClasses
	}
	return append([]string(nil), src...)
}

// Known lists every key the service can be configured for.
func Known() []Key {
	return []Key{
		{Alzheimer, MRIAxial},
		{Alzheimer, MRISagittal},
		{Alzheimer, MRIGeneral},
		{Alzheimer, Audio},
		{Parkinson, MRIGeneral},
		{Parkinson, MRISagittal},
		{Parkinson, Audio},
		{Parkinson, Drawing},
	}
}

// ParseCondition accepts the canonical names case-insensitively.
func ParseCondition(s string) (Condition, error) {
	switch Condition(strings.ToLower(strings.TrimSpace(s))) {
	case Alzheimer:
		return Alzheimer, nil
	case Parkinson:
		return Parkinson, nil
	}
	return "", fmt.Errorf("%w: condition %q", ErrUnknown, s)
}

// ParseModality accepts canonical modality names and the short aliases the
// upload form historically used.
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mri_axial", "axial":
		return MRIAxial, nil
	case "mri_sagittal", "sagittal", "mri":
		return MRISagittal, nil
	case "mri_general", "general":
		return MRIGeneral, nil
	case "audio":
		return Audio, nil
	case "drawing":
		return Drawing, nil
	}
	return "", fmt.Errorf("%w: modality %q", ErrUnknown, s)
}

// ParseKey parses a condition/modality pair. It does not check whether the
// pair is configured in the model table.
func ParseKey(condition, mod string) (Key, error) {
	c, err := ParseCondition(condition)
	if err != nil {
		return Key{}, err
	}
	m, err := ParseModality(mod)
	if err != nil {
		return Key{}, err
	}
	return Key{Condition: c, Modality: m}, nil
}

// ParseKeyString parses "condition/modality".
func ParseKeyString(s string) (Key, error) {
	cond, mod, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("%w: key %q must be condition/modality", ErrUnknown, s)
	}
	return ParseKey(cond, mod)
}
