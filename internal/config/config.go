// Package config holds the run configuration: flag registration, layering
// of environment variables and a YAML file through viper, validation and
// conversion into the settings each component is built from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/cormorant/internal/data"
	"github.com/cwbudde/cormorant/internal/invariance"
	"github.com/cwbudde/cormorant/internal/model"
	"github.com/cwbudde/cormorant/internal/optim"
	"github.com/cwbudde/cormorant/internal/schedule"
)

// EnvPrefix prefixes environment overrides, e.g. CORMORANT_BATCH_SIZE.
const EnvPrefix = "CORMORANT"

// Config is the immutable run configuration.
type Config struct {
	Device string `yaml:"device"`
	Dtype  string `yaml:"dtype"`

	Datadir      string `yaml:"datadir"`
	Dataset      string `yaml:"dataset"`
	Target       string `yaml:"target"`
	Subset       int    `yaml:"subset"`
	NumSynthetic int    `yaml:"num-synthetic"`
	BatchSize    int    `yaml:"batch-size"`
	Shuffle      bool   `yaml:"shuffle"`
	NumWorkers   int    `yaml:"num-workers"`
	Seed         int64  `yaml:"seed"`

	MaxL          int      `yaml:"maxl"`
	MaxSH         int      `yaml:"max-sh"`
	NumCGLevels   int      `yaml:"num-cg-levels"`
	NumChannels   int      `yaml:"num-channels"`
	LevelGain     float64  `yaml:"level-gain"`
	ChargePower   int      `yaml:"charge-power"`
	HardCutRad    float64  `yaml:"hard-cut-rad"`
	SoftCutRad    float64  `yaml:"soft-cut-rad"`
	SoftCutWidth  float64  `yaml:"soft-cut-width"`
	CutoffType    []string `yaml:"cutoff-type,flow"`
	BasisSet      []int    `yaml:"basis-set,flow"`
	WeightInit    string   `yaml:"weight-init"`
	GaussianMask  bool     `yaml:"gaussian-mask"`
	Top           string   `yaml:"top"`
	Input         string   `yaml:"input"`
	NumMPNNLevels int      `yaml:"num-mpnn-levels"`

	Optim         string  `yaml:"optim"`
	LRInit        float64 `yaml:"lr-init"`
	LRFinal       float64 `yaml:"lr-final"`
	LRDecay       int     `yaml:"lr-decay"`
	LRDecayType   string  `yaml:"lr-decay-type"`
	LRMinibatch   bool    `yaml:"lr-minibatch"`
	SGDRestart    bool    `yaml:"sgd-restart"`
	RestartPeriod int     `yaml:"restart-period"`
	RestartMult   int     `yaml:"restart-mult"`
	WeightDecay   float64 `yaml:"weight-decay"`
	Alpha         float64 `yaml:"alpha"`
	NumEpoch      int     `yaml:"num-epoch"`

	Workdir  string `yaml:"workdir"`
	Prefix   string `yaml:"prefix"`
	Load     bool   `yaml:"load"`
	Save     bool   `yaml:"save"`
	LogEvery int    `yaml:"log-every"`

	InvarianceBatches int     `yaml:"invariance-batches"`
	InvarianceTol     float64 `yaml:"invariance-tol"`
	InvarianceSearch  int     `yaml:"invariance-search"`
	SkipTests         bool    `yaml:"skip-tests"`
}

// Default returns the stock configuration for QM9-style runs.
func Default() Config {
	return Config{
		Device: "auto",
		Dtype:  "double",

		Datadir:      "data",
		Dataset:      "qm9",
		NumSynthetic: 200,
		BatchSize:    25,
		Shuffle:      true,
		NumWorkers:   2,
		Seed:         1,

		MaxL:          3,
		MaxSH:         3,
		NumCGLevels:   4,
		NumChannels:   10,
		LevelGain:     10,
		ChargePower:   2,
		HardCutRad:    1.73,
		SoftCutRad:    1.73,
		SoftCutWidth:  0.2,
		CutoffType:    []string{"soft"},
		BasisSet:      []int{3, 3},
		WeightInit:    "rand",
		Top:           "linear",
		Input:         "linear",
		NumMPNNLevels: 1,

		Optim:         optim.AMSGrad,
		LRInit:        1e-3,
		LRFinal:       1e-5,
		LRDecayType:   schedule.Cosine,
		LRMinibatch:   true,
		SGDRestart:    true,
		RestartPeriod: 1,
		RestartMult:   2,
		Alpha:         0.9,
		NumEpoch:      255,

		Workdir:  ".",
		Prefix:   "nosave",
		Load:     true,
		Save:     true,
		LogEvery: 1,

		InvarianceBatches: 1,
		InvarianceTol:     1e-4,
	}
}

// Register adds every option to flags with its default value.
func Register(flags *pflag.FlagSet) {
	d := Default()

	flags.String("device", d.Device, "Compute device (auto, cpu)")
	flags.String("dtype", d.Dtype, "Numeric precision (float, double)")

	flags.String("datadir", d.Datadir, "Root directory of datasets")
	flags.String("dataset", d.Dataset, "Dataset name (qm9, md17, synthetic)")
	flags.String("target", d.Target, "Regression target; empty selects the dataset default")
	flags.Int("subset", d.Subset, "Truncate the training split to N molecules (0 = all)")
	flags.Int("num-synthetic", d.NumSynthetic, "Molecules generated for the synthetic dataset")
	flags.Int("batch-size", d.BatchSize, "Minibatch size")
	flags.Bool("shuffle", d.Shuffle, "Shuffle the training split each epoch")
	flags.Int("num-workers", d.NumWorkers, "Batches assembled ahead of the training loop")
	flags.Int64("seed", d.Seed, "Random seed for shuffling, initialization and self-tests")

	flags.Int("maxl", d.MaxL, "Maximum coupling order")
	flags.Int("max-sh", d.MaxSH, "Maximum spherical harmonic order")
	flags.Int("num-cg-levels", d.NumCGLevels, "Number of coupling levels")
	flags.Int("num-channels", d.NumChannels, "Hidden channels of the output head")
	flags.Float64("level-gain", d.LevelGain, "Initialization gain")
	flags.Int("charge-power", d.ChargePower, "Highest power of the scaled nuclear charge in atom features")
	flags.Float64("hard-cut-rad", d.HardCutRad, "Hard cutoff radius")
	flags.Float64("soft-cut-rad", d.SoftCutRad, "Soft cutoff radius")
	flags.Float64("soft-cut-width", d.SoftCutWidth, "Soft cutoff width")
	flags.StringSlice("cutoff-type", d.CutoffType, "Cutoffs to apply (hard, soft)")
	flags.IntSlice("basis-set", d.BasisSet, "Radial basis size as two integers")
	flags.String("weight-init", d.WeightInit, "Weight initialization (rand, randn)")
	flags.Bool("gaussian-mask", d.GaussianMask, "Use a gaussian radial envelope")
	flags.String("top", d.Top, "Output head (linear, pmlp)")
	flags.String("input", d.Input, "Input featurization (linear, mpnn)")
	flags.Int("num-mpnn-levels", d.NumMPNNLevels, "Message passing rounds for mpnn input")

	flags.String("optim", d.Optim, "Optimizer (adam, amsgrad, rmsprop, sgd)")
	flags.Float64("lr-init", d.LRInit, "Initial learning rate")
	flags.Float64("lr-final", d.LRFinal, "Final learning rate")
	flags.Int("lr-decay", d.LRDecay, "Exponential decay horizon in epochs (0 = num-epoch)")
	flags.String("lr-decay-type", d.LRDecayType, "Learning rate decay (cos, exp)")
	flags.Bool("lr-minibatch", d.LRMinibatch, "Step the learning rate every minibatch")
	flags.Bool("sgd-restart", d.SGDRestart, "Enable warm restarts")
	flags.Int("restart-period", d.RestartPeriod, "Length of the first restart cycle in epochs")
	flags.Int("restart-mult", d.RestartMult, "Growth factor of successive restart cycles")
	flags.Float64("weight-decay", d.WeightDecay, "L2 weight decay")
	flags.Float64("alpha", d.Alpha, "Smoothing of running minibatch metrics")
	flags.Int("num-epoch", d.NumEpoch, "Total epoch budget")

	flags.String("workdir", d.Workdir, "Working directory for run artifacts")
	flags.String("prefix", d.Prefix, "Run name")
	flags.Bool("load", d.Load, "Resume from an existing checkpoint")
	flags.Bool("save", d.Save, "Write checkpoints, traces and predictions")
	flags.Int("log-every", d.LogEvery, "Log running metrics every N minibatches")

	flags.Int("invariance-batches", d.InvarianceBatches, "Batches drawn by the invariance self-test")
	flags.Float64("invariance-tol", d.InvarianceTol, "Relative tolerance of the invariance self-test")
	flags.Int("invariance-search", d.InvarianceSearch, "Iterations of the worst-case rotation search (0 = off)")
	flags.Bool("skip-tests", d.SkipTests, "Skip the invariance self-test")
}

// NewViper binds flags into a fresh viper instance with CORMORANT_ env
// overrides and, when path is non-empty, a YAML config file.
func NewViper(flags *pflag.FlagSet, path string) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Field: "config", Reason: err.Error()}
		}
	}
	return v, nil
}

// FromViper reads every option from v. Keys missing from v keep their
// defaults.
func FromViper(v *viper.Viper) Config {
	c := Default()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	float := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("device", &c.Device)
	str("dtype", &c.Dtype)

	str("datadir", &c.Datadir)
	str("dataset", &c.Dataset)
	str("target", &c.Target)
	integer("subset", &c.Subset)
	integer("num-synthetic", &c.NumSynthetic)
	integer("batch-size", &c.BatchSize)
	boolean("shuffle", &c.Shuffle)
	integer("num-workers", &c.NumWorkers)
	if v.IsSet("seed") {
		c.Seed = v.GetInt64("seed")
	}

	integer("maxl", &c.MaxL)
	integer("max-sh", &c.MaxSH)
	integer("num-cg-levels", &c.NumCGLevels)
	integer("num-channels", &c.NumChannels)
	float("level-gain", &c.LevelGain)
	integer("charge-power", &c.ChargePower)
	float("hard-cut-rad", &c.HardCutRad)
	float("soft-cut-rad", &c.SoftCutRad)
	float("soft-cut-width", &c.SoftCutWidth)
	if v.IsSet("cutoff-type") {
		c.CutoffType = v.GetStringSlice("cutoff-type")
	}
	if v.IsSet("basis-set") {
		c.BasisSet = v.GetIntSlice("basis-set")
	}
	str("weight-init", &c.WeightInit)
	boolean("gaussian-mask", &c.GaussianMask)
	str("top", &c.Top)
	str("input", &c.Input)
	integer("num-mpnn-levels", &c.NumMPNNLevels)

	str("optim", &c.Optim)
	float("lr-init", &c.LRInit)
	float("lr-final", &c.LRFinal)
	integer("lr-decay", &c.LRDecay)
	str("lr-decay-type", &c.LRDecayType)
	boolean("lr-minibatch", &c.LRMinibatch)
	boolean("sgd-restart", &c.SGDRestart)
	integer("restart-period", &c.RestartPeriod)
	integer("restart-mult", &c.RestartMult)
	float("weight-decay", &c.WeightDecay)
	float("alpha", &c.Alpha)
	integer("num-epoch", &c.NumEpoch)

	str("workdir", &c.Workdir)
	str("prefix", &c.Prefix)
	boolean("load", &c.Load)
	boolean("save", &c.Save)
	integer("log-every", &c.LogEvery)

	integer("invariance-batches", &c.InvarianceBatches)
	float("invariance-tol", &c.InvarianceTol)
	integer("invariance-search", &c.InvarianceSearch)
	boolean("skip-tests", &c.SkipTests)

	return c
}

// Validate checks every option before anything is allocated.
func (c Config) Validate() error {
	switch {
	case c.Dataset == "":
		return &Error{Field: "dataset", Reason: "cannot be empty"}
	case c.Subset < 0:
		return &Error{Field: "subset", Reason: fmt.Sprintf("must be >= 0, got %d", c.Subset)}
	case c.BatchSize < 1:
		return &Error{Field: "batch-size", Reason: fmt.Sprintf("must be >= 1, got %d", c.BatchSize)}
	case c.NumWorkers < 1:
		return &Error{Field: "num-workers", Reason: fmt.Sprintf("must be >= 1, got %d", c.NumWorkers)}
	case len(c.BasisSet) != 2:
		return &Error{Field: "basis-set", Reason: fmt.Sprintf("needs two entries, got %v", c.BasisSet)}
	case c.NumEpoch < 0:
		return &Error{Field: "num-epoch", Reason: fmt.Sprintf("must be >= 0, got %d", c.NumEpoch)}
	case c.Alpha < 0 || c.Alpha >= 1:
		return &Error{Field: "alpha", Reason: fmt.Sprintf("must be in [0,1), got %v", c.Alpha)}
	case c.Prefix == "" || strings.ContainsAny(c.Prefix, `/\`):
		return &Error{Field: "prefix", Reason: fmt.Sprintf("must be a plain name, got %q", c.Prefix)}
	case c.Workdir == "":
		return &Error{Field: "workdir", Reason: "cannot be empty"}
	case c.LogEvery < 1:
		return &Error{Field: "log-every", Reason: fmt.Sprintf("must be >= 1, got %d", c.LogEvery)}
	case c.InvarianceBatches < 0:
		return &Error{Field: "invariance-batches", Reason: fmt.Sprintf("must be >= 0, got %d", c.InvarianceBatches)}
	case !(c.InvarianceTol > 0):
		return &Error{Field: "invariance-tol", Reason: fmt.Sprintf("must be positive, got %v", c.InvarianceTol)}
	case c.InvarianceSearch < 0:
		return &Error{Field: "invariance-search", Reason: fmt.Sprintf("must be >= 0, got %d", c.InvarianceSearch)}
	}

	if err := c.Model().Validate(); err != nil {
		return &Error{Field: "model", Reason: err.Error()}
	}
	if err := c.OptimConfig().Validate(); err != nil {
		return &Error{Field: "optim", Reason: err.Error()}
	}
	if err := c.Schedule(1).Validate(); err != nil {
		return &Error{Field: "schedule", Reason: err.Error()}
	}
	return nil
}

// Model returns the network hyperparameters. Call after Validate.
func (c Config) Model() model.Hyperparameters {
	hp := model.Hyperparameters{
		NumCGLevels:   c.NumCGLevels,
		MaxL:          c.MaxL,
		MaxSH:         c.MaxSH,
		NumChannels:   c.NumChannels,
		LevelGain:     c.LevelGain,
		ChargePower:   c.ChargePower,
		HardCutRad:    c.HardCutRad,
		SoftCutRad:    c.SoftCutRad,
		SoftCutWidth:  c.SoftCutWidth,
		CutoffType:    append([]string(nil), c.CutoffType...),
		WeightInit:    c.WeightInit,
		GaussianMask:  c.GaussianMask,
		Top:           c.Top,
		Input:         c.Input,
		NumMPNNLevels: c.NumMPNNLevels,
		Seed:          c.Seed,
	}
	if len(c.BasisSet) == 2 {
		hp.BasisSet = [2]int{c.BasisSet[0], c.BasisSet[1]}
	}
	return hp
}

// OptimConfig returns the optimizer settings.
func (c Config) OptimConfig() optim.Config {
	oc := optim.DefaultConfig()
	oc.Kind = c.Optim
	oc.WeightDecay = c.WeightDecay
	return oc
}

// Schedule returns the learning-rate schedule for a loader that yields
// minibatches batches per epoch.
func (c Config) Schedule(minibatches int) schedule.Config {
	return schedule.Config{
		NumEpochs:           c.NumEpoch,
		LRInit:              c.LRInit,
		LRFinal:             c.LRFinal,
		LRDecay:             c.LRDecay,
		DecayType:           c.LRDecayType,
		Restart:             c.SGDRestart,
		Period0:             c.RestartPeriod,
		PeriodMult:          c.RestartMult,
		PerMinibatch:        c.LRMinibatch,
		MinibatchesPerEpoch: minibatches,
	}
}

// DataOptions returns the dataset provider options.
func (c Config) DataOptions() data.Options {
	return data.Options{
		Subset: c.Subset,
		Target: c.Target,
		Synthetic: data.SyntheticOptions{
			Size: c.NumSynthetic,
			Seed: c.Seed,
		},
	}
}

// LoaderOptions returns the training batch options for target.
func (c Config) LoaderOptions(target string) data.LoaderOptions {
	return data.LoaderOptions{
		BatchSize: c.BatchSize,
		Shuffle:   c.Shuffle,
		Seed:      c.Seed,
		Workers:   c.NumWorkers,
		Target:    target,
	}
}

// Invariance returns the self-test settings.
func (c Config) Invariance() invariance.Config {
	ic := invariance.DefaultConfig()
	ic.Batches = c.InvarianceBatches
	ic.BatchSize = c.BatchSize
	ic.Seed = c.Seed
	ic.Tolerance = c.InvarianceTol
	ic.SearchIters = c.InvarianceSearch
	return ic
}

// Structural returns the settings a checkpoint's parameters depend on.
// Two configs with equal Structural values can share checkpoints.
func (c Config) Structural() any {
	return struct {
		Model    model.Hyperparameters
		Dtype    string
		Schedule schedule.Config
		Seed     int64
		Batch    int
		Shuffle  bool
		Subset   int
	}{c.Model(), c.Dtype, c.Schedule(0), c.Seed, c.BatchSize, c.Shuffle, c.Subset}
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// WriteYAML writes the configuration to path.
func (c Config) WriteYAML(path string) error {
	out, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ReadYAML parses a configuration file written by WriteYAML. Keys missing
// from the file keep their defaults.
func ReadYAML(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, &Error{Field: "config", Reason: err.Error()}
	}
	return c, nil
}

// Error reports an invalid option.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
