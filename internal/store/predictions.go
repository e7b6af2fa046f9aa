package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Model selection policies reported by the prediction pass.
const (
	PolicyFinal = "final"
	PolicyBest  = "best"
)

// Predictions holds one split's predictions under one policy, in original
// target units.
type Predictions struct {
	Run         string    `json:"run"`
	Policy      string    `json:"policy"`
	Split       string    `json:"split"`
	Epoch       int       `json:"epoch"`
	Target      string    `json:"target"`
	MAE         float64   `json:"mae"`
	RMSE        float64   `json:"rmse"`
	Predictions []float64 `json:"predictions"`
	Targets     []float64 `json:"targets"`
}

// PredictionsFile names the file for a policy and split.
func PredictionsFile(policy, split string) string {
	return fmt.Sprintf("predict.%s.%s.json", policy, split)
}

// SavePredictions writes predict.<policy>.<split>.json into the run directory.
func (fs *FSStore) SavePredictions(run string, p *Predictions) error {
	if p.Policy != PolicyFinal && p.Policy != PolicyBest {
		return fmt.Errorf("unknown policy %q", p.Policy)
	}
	if len(p.Predictions) != len(p.Targets) {
		return fmt.Errorf("predictions and targets differ in length: %d vs %d", len(p.Predictions), len(p.Targets))
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize predictions: %w", err)
	}
	name := PredictionsFile(p.Policy, p.Split)
	if err := fs.WriteFile(run, name, data); err != nil {
		return err
	}
	slog.Debug("Predictions saved", "run", run, "file", name)
	return nil
}

// LoadPredictions reads a predictions file.
func (fs *FSStore) LoadPredictions(run, policy, split string) (*Predictions, error) {
	var p Predictions
	if err := readJSON(run, fs.Path(run, PredictionsFile(policy, split)), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
