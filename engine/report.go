package engine

import "time"

// StepReport describes one completed training step.
type StepReport struct {
	RunID      string        `json:"run_id"`
	Episode    int           `json:"episode"`
	Step       int           `json:"step"`
	Chunk      int           `json:"chunk"`
	Rows       int           `json:"rows"`
	Active     int           `json:"active"`
	Terminated int           `json:"terminated"`
	Artifact   string        `json:"artifact"`
	ValLoss    float64       `json:"val_loss"`
	Elapsed    time.Duration `json:"elapsed"`
}

// EpisodeReport describes an episode boundary. When the episode has just
// started Steps counts the steps already done by a resumed run.
type EpisodeReport struct {
	RunID    string        `json:"run_id"`
	Episode  int           `json:"episode"`
	Chunk    int           `json:"chunk"`
	Deals    int           `json:"deals"`
	Steps    int           `json:"steps"`
	MaxSteps int           `json:"max_steps"`
	Finished int           `json:"finished"`
	Elapsed  time.Duration `json:"elapsed"`
}

// EvalReport is the outcome of an evaluation pass.
type EvalReport struct {
	RunID      string  `json:"run_id"`
	Chunk      int     `json:"chunk"`
	Checkpoint string  `json:"checkpoint"`
	Deals      int     `json:"deals"`
	Truncated  int     `json:"truncated"`
	Total      float64 `json:"total"`
	Score      float64 `json:"score"`
}

// Observer receives progress from the engine. Calls are made synchronously
// from the training loop.
type Observer interface {
	EpisodeStarted(EpisodeReport)
	StepDone(StepReport)
	EpisodeDone(EpisodeReport)
	Evaluated(EvalReport)
}

// NopObserver can be embedded to implement only some Observer methods.
type NopObserver struct{}

func (NopObserver) EpisodeStarted(EpisodeReport) {}
func (NopObserver) StepDone(StepReport)          {}
func (NopObserver) EpisodeDone(EpisodeReport)    {}
func (NopObserver) Evaluated(EvalReport)         {}

// Observers fans every call out to each member in order.
type Observers []Observer

func (o Observers) EpisodeStarted(r EpisodeReport) {
	for _, x := range o {
		x.EpisodeStarted(r)
	}
}

func (o Observers) StepDone(r StepReport) {
	for _, x := range o {
		x.StepDone(r)
	}
}

func (o Observers) EpisodeDone(r EpisodeReport) {
	for _, x := range o {
		x.EpisodeDone(r)
	}
}

func (o Observers) Evaluated(r EvalReport) {
	for _, x := range o {
		x.Evaluated(r)
	}
}
