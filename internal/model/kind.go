package model

import "fmt"

// Kind selects a modality: its artifacts, codec and output interpretation.
type Kind int

const (
	Image Kind = iota
	Tabular
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Tabular:
		return "tabular"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stage is the purpose a handle is loaded for. Explain handles bind extra
// outputs and sidecars that a plain prediction never needs.
type Stage int

const (
	StagePredict Stage = iota
	StageExplain
)

func (s Stage) String() string {
	if s == StageExplain {
		return "explain"
	}
	return "predict"
}
