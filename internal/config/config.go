// Package config loads layered configuration: defaults, then config file,
// then environment variables (VITSFLOW_ prefix), then command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Fbank     FbankConfig     `mapstructure:"fbank"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

type PathsConfig struct {
	CorpusDir string `mapstructure:"corpus_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

type FbankConfig struct {
	SampleRate  int     `mapstructure:"sample_rate"`
	FrameLength int     `mapstructure:"frame_length"`
	FrameShift  int     `mapstructure:"frame_shift"`
	NumBins     int     `mapstructure:"num_bins"`
	LowFreq     float64 `mapstructure:"low_freq"`
	HighFreq    float64 `mapstructure:"high_freq"`
}

type PredictorConfig struct {
	Channels       int     `mapstructure:"channels"`
	KernelSize     int     `mapstructure:"kernel_size"`
	Dropout        float64 `mapstructure:"dropout"`
	Flows          int     `mapstructure:"flows"`
	DDSLayers      int     `mapstructure:"dds_layers"`
	GlobalChannels int     `mapstructure:"global_channels"`
	NoiseScale     float64 `mapstructure:"noise_scale"`
	Seed           int64   `mapstructure:"seed"`
}

type RuntimeConfig struct {
	Workers int `mapstructure:"workers"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			CorpusDir: "corpus",
			OutputDir: "out",
		},
		Fbank: FbankConfig{
			SampleRate:  16000,
			FrameLength: 1024,
			FrameShift:  256,
			NumBins:     80,
			LowFreq:     0,
			HighFreq:    0,
		},
		Predictor: PredictorConfig{
			Channels:       192,
			KernelSize:     3,
			Dropout:        0.5,
			Flows:          4,
			DDSLayers:      3,
			GlobalChannels: 0,
			NoiseScale:     0.8,
			Seed:           1,
		},
		Runtime: RuntimeConfig{
			Workers: 4,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
	fs.String("paths-corpus-dir", defaults.Paths.CorpusDir, "Directory holding corpus WAV files")
	fs.String("paths-output-dir", defaults.Paths.OutputDir, "Directory for extracted features and reports")
	fs.Int("fbank-sample-rate", defaults.Fbank.SampleRate, "Target sample rate for feature extraction")
	fs.Int("fbank-frame-length", defaults.Fbank.FrameLength, "Frame length in samples (power of two)")
	fs.Int("fbank-frame-shift", defaults.Fbank.FrameShift, "Frame shift in samples")
	fs.Int("fbank-num-bins", defaults.Fbank.NumBins, "Number of mel filterbank bins")
	fs.Float64("fbank-low-freq", defaults.Fbank.LowFreq, "Lower filterbank edge in Hz")
	fs.Float64("fbank-high-freq", defaults.Fbank.HighFreq, "Upper filterbank edge in Hz (0 = Nyquist)")
	fs.Int("predictor-channels", defaults.Predictor.Channels, "Duration predictor hidden channels")
	fs.Int("predictor-kernel-size", defaults.Predictor.KernelSize, "Duration predictor conv kernel size")
	fs.Float64("predictor-dropout", defaults.Predictor.Dropout, "Conditioner dropout rate (training only)")
	fs.Int("predictor-flows", defaults.Predictor.Flows, "Spline flows in the duration chain")
	fs.Int("predictor-dds-layers", defaults.Predictor.DDSLayers, "Depth-separable conv layers per stack")
	fs.Int("predictor-global-channels", defaults.Predictor.GlobalChannels, "Global conditioning channels (0 = off)")
	fs.Float64("predictor-noise-scale", defaults.Predictor.NoiseScale, "Sampling noise scale")
	fs.Int64("predictor-seed", defaults.Predictor.Seed, "Seed for parameter init and sampling noise")
	fs.Int("runtime-workers", defaults.Runtime.Workers, "Parallel workers for feature extraction")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	registerAliases(v)

	v.SetEnvPrefix("VITSFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_", "__", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("vitsflow")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// ParseLogLevel maps a config string onto a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.corpus_dir", c.Paths.CorpusDir)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("fbank.sample_rate", c.Fbank.SampleRate)
	v.SetDefault("fbank.frame_length", c.Fbank.FrameLength)
	v.SetDefault("fbank.frame_shift", c.Fbank.FrameShift)
	v.SetDefault("fbank.num_bins", c.Fbank.NumBins)
	v.SetDefault("fbank.low_freq", c.Fbank.LowFreq)
	v.SetDefault("fbank.high_freq", c.Fbank.HighFreq)
	v.SetDefault("predictor.channels", c.Predictor.Channels)
	v.SetDefault("predictor.kernel_size", c.Predictor.KernelSize)
	v.SetDefault("predictor.dropout", c.Predictor.Dropout)
	v.SetDefault("predictor.flows", c.Predictor.Flows)
	v.SetDefault("predictor.dds_layers", c.Predictor.DDSLayers)
	v.SetDefault("predictor.global_channels", c.Predictor.GlobalChannels)
	v.SetDefault("predictor.noise_scale", c.Predictor.NoiseScale)
	v.SetDefault("predictor.seed", c.Predictor.Seed)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.corpus_dir", "paths-corpus-dir")
	v.RegisterAlias("paths.output_dir", "paths-output-dir")
	v.RegisterAlias("fbank.sample_rate", "fbank-sample-rate")
	v.RegisterAlias("fbank.frame_length", "fbank-frame-length")
	v.RegisterAlias("fbank.frame_shift", "fbank-frame-shift")
	v.RegisterAlias("fbank.num_bins", "fbank-num-bins")
	v.RegisterAlias("fbank.low_freq", "fbank-low-freq")
	v.RegisterAlias("fbank.high_freq", "fbank-high-freq")
	v.RegisterAlias("predictor.channels", "predictor-channels")
	v.RegisterAlias("predictor.kernel_size", "predictor-kernel-size")
	v.RegisterAlias("predictor.dropout", "predictor-dropout")
	v.RegisterAlias("predictor.flows", "predictor-flows")
	v.RegisterAlias("predictor.dds_layers", "predictor-dds-layers")
	v.RegisterAlias("predictor.global_channels", "predictor-global-channels")
	v.RegisterAlias("predictor.noise_scale", "predictor-noise-scale")
	v.RegisterAlias("predictor.seed", "predictor-seed")
	v.RegisterAlias("runtime.workers", "runtime-workers")
}
