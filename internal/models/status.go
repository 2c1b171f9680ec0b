package models

// ModelStatus is the lifecycle state of the local inference session.
type ModelStatus string

const (
	StatusIdle       ModelStatus = "idle"
	StatusLoading    ModelStatus = "loading"
	StatusReady      ModelStatus = "ready"
	StatusGenerating ModelStatus = "generating"
	StatusError      ModelStatus = "error"
)

// ModelLoadProgress reports how far along a model load is. Fraction is a percentage in [0,100] and
// never decreases during one load. It is never persisted.
type ModelLoadProgress struct {
	Fraction       float64 `json:"progress"`
	Text           string  `json:"text"`
	ElapsedSeconds int     `json:"timeElapsed"`
}
