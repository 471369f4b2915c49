// Package appconfig loads the training configuration record.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mtharp/bridgebid/bidding"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is passed explicitly to everything that needs it; nothing reads
// process-wide settings after Load returns.
type Config struct {
	Epsilon          float64
	MaxSteps         int
	MaxEpisodes      int
	Chunks           int
	MonotonicPenalty float64
	ScoreNormalizer  float64
	Seed             int64

	Model ModelConfig

	BaseDir       string
	RawDataPath   string
	EvalDataPath  string
	DataDir       string
	CheckpointDir string

	DatabaseURL   string
	MonitorListen string
	IRC           IRCConfig
}

// ModelConfig is opaque to the bidding engine and only shapes the regressor.
type ModelConfig struct {
	InputSize    int
	Layers       int
	Units        int
	OutputSize   int
	Epochs       int
	ValSplit     float64
	BatchSize    int
	LearningRate float64
	Workers      int
}

type IRCConfig struct {
	Server  string
	Channel string
	Nick    string
	Token   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("epsilon", 0.1)
	v.SetDefault("max_steps", 8)
	v.SetDefault("max_episodes", 4)
	v.SetDefault("chunks", 12)
	v.SetDefault("monotonic_penalty", 0.0)
	v.SetDefault("score_normalizer", 10000.0)
	v.SetDefault("seed", 0)

	v.SetDefault("model.input_size", bidding.FeatureSize)
	v.SetDefault("model.layers", 2)
	v.SetDefault("model.units", 30)
	v.SetDefault("model.output_size", bidding.NumBids)
	v.SetDefault("model.epochs", 10)
	v.SetDefault("model.val_split", 0.2)
	v.SetDefault("model.batch_size", 32)
	v.SetDefault("model.learning_rate", 0.001)
	v.SetDefault("model.workers", 0)

	v.SetDefault("base_dir", ".")
	v.SetDefault("raw_data_path", "Data/Train/Data-%d.npy")
	v.SetDefault("eval_data_path", "Data/Test/Data-%d.npy")
	v.SetDefault("data_dir", "EpisodeData/Train")
	v.SetDefault("checkpoint_dir", "Checkpoints/Train")

	v.SetDefault("irc.nick", "bidtrain")
}

// Default returns the configuration with no file or environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// Load reads .env (if present), then the config file at path (if non-empty),
// then BIDTRAIN_* environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading .env")
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("bidtrain")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
	}
	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Epsilon:          v.GetFloat64("epsilon"),
		MaxSteps:         v.GetInt("max_steps"),
		MaxEpisodes:      v.GetInt("max_episodes"),
		Chunks:           v.GetInt("chunks"),
		MonotonicPenalty: v.GetFloat64("monotonic_penalty"),
		ScoreNormalizer:  v.GetFloat64("score_normalizer"),
		Seed:             v.GetInt64("seed"),
		Model: ModelConfig{
			InputSize:    v.GetInt("model.input_size"),
			Layers:       v.GetInt("model.layers"),
			Units:        v.GetInt("model.units"),
			OutputSize:   v.GetInt("model.output_size"),
			Epochs:       v.GetInt("model.epochs"),
			ValSplit:     v.GetFloat64("model.val_split"),
			BatchSize:    v.GetInt("model.batch_size"),
			LearningRate: v.GetFloat64("model.learning_rate"),
			Workers:      v.GetInt("model.workers"),
		},
		BaseDir:       v.GetString("base_dir"),
		RawDataPath:   v.GetString("raw_data_path"),
		EvalDataPath:  v.GetString("eval_data_path"),
		DataDir:       v.GetString("data_dir"),
		CheckpointDir: v.GetString("checkpoint_dir"),
		DatabaseURL:   v.GetString("db.url"),
		MonitorListen: v.GetString("monitor.listen"),
		IRC: IRCConfig{
			Server:  v.GetString("irc.server"),
			Channel: v.GetString("irc.channel"),
			Nick:    v.GetString("irc.nick"),
			Token:   v.GetString("irc.token"),
		},
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Epsilon < 0 || c.Epsilon >= 1:
		return errors.Errorf("epsilon %v outside [0, 1)", c.Epsilon)
	case c.MaxSteps < 1:
		return errors.New("max_steps must be positive")
	case c.MaxEpisodes < 0:
		return errors.New("max_episodes must not be negative")
	case c.Chunks < 1:
		return errors.New("chunks must be positive")
	case c.ScoreNormalizer == 0:
		return errors.New("score_normalizer must not be zero")
	case c.Model.InputSize != bidding.FeatureSize:
		return errors.Errorf("model.input_size is %d, bidding features have %d", c.Model.InputSize, bidding.FeatureSize)
	case c.Model.OutputSize != bidding.NumBids:
		return errors.Errorf("model.output_size is %d, there are %d bids", c.Model.OutputSize, bidding.NumBids)
	case c.Model.Layers < 2:
		return errors.New("model.layers must be at least 2")
	case c.Model.Units < 1 || c.Model.Epochs < 1 || c.Model.BatchSize < 1:
		return errors.New("model.units, model.epochs and model.batch_size must be positive")
	case c.Model.ValSplit < 0 || c.Model.ValSplit >= 1:
		return errors.Errorf("model.val_split %v outside [0, 1)", c.Model.ValSplit)
	}
	return nil
}

// Chunk maps an episode to the deal chunk it trains on.
func (c *Config) Chunk(episode int) int {
	return episode % c.Chunks
}

// ChunkTemplate is the printf template of training chunk files.
func (c *Config) ChunkTemplate() string {
	return filepath.Join(c.BaseDir, c.RawDataPath)
}

// EvalChunkTemplate is the printf template of held-out chunk files.
func (c *Config) EvalChunkTemplate() string {
	return filepath.Join(c.BaseDir, c.EvalDataPath)
}

func (c *Config) shape() string {
	return fmt.Sprintf("%d-%d", c.Model.Layers, c.Model.Units)
}

// CheckpointRoot holds one directory per (episode, step).
func (c *Config) CheckpointRoot() string {
	return filepath.Join(c.BaseDir, c.CheckpointDir, c.shape())
}

// DataRoot holds the per-step training snapshots.
func (c *Config) DataRoot() string {
	return filepath.Join(c.BaseDir, c.DataDir, c.shape())
}

func (c *Config) StepDataDir(episode, step int) string {
	return filepath.Join(c.DataRoot(), fmt.Sprintf("%d-%d", episode, step))
}
