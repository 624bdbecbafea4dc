// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path" validate:"required"`

	// Storage paths. RecordingDir receives one WAV per session; DatabasePath
	// is the sqlite file holding recording summaries and the upload queue.
	RecordingDir string `mapstructure:"recording_dir" validate:"required"`
	DatabasePath string `mapstructure:"database_path" validate:"required"`

	// MinFreeBytes is the free-disk floor checked before a recording may
	// start. Start is refused below it rather than begun and failed mid-way.
	MinFreeBytes uint64 `mapstructure:"min_free_bytes" validate:"required"`

	Audio      AudioConfig      `mapstructure:"audio"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Upload     UploadConfig     `mapstructure:"upload"`
}

// AudioConfig holds the capture cadence and the empirically tuned analysis
// constants. The defaults below were validated against the silence and
// low-signal end-to-end scenarios; treat them as a matched set.
type AudioConfig struct {
	SampleRate   uint32  `mapstructure:"sample_rate" validate:"required"`
	Channels     uint16  `mapstructure:"channels" validate:"required"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required"`

	// Noise floor for the activity ratio, on the normalized [-1,1] scale.
	NoiseFloor float64 `mapstructure:"noise_floor" validate:"required"`

	// Classifier smoothing window (snapshots) and the number of consecutive
	// low-tier buffers before the volume-too-low advisory fires.
	SmoothingWindow int `mapstructure:"smoothing_window" validate:"required"`
	LowTierPatience int `mapstructure:"low_tier_patience" validate:"required"`

	// Gain curve. RMS below VeryLowRMS saturates at MaxGain; the curve
	// interpolates down to BaselineGain at LowRMS and MinGain at AdequateRMS.
	MinGain      float64 `mapstructure:"min_gain" validate:"required"`
	MaxGain      float64 `mapstructure:"max_gain" validate:"required"`
	BaselineGain float64 `mapstructure:"baseline_gain" validate:"required"`
	VeryLowRMS   float64 `mapstructure:"very_low_rms" validate:"required"`
	LowRMS       float64 `mapstructure:"low_rms" validate:"required"`
	AdequateRMS  float64 `mapstructure:"adequate_rms" validate:"required"`

	// Maximum gain change applied per tick while ramping.
	GainRampStep float64 `mapstructure:"gain_ramp_step" validate:"required"`
}

type TranscribeConfig struct {
	EngineURL string        `mapstructure:"engine_url" validate:"required"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"required"`
}

type UploadConfig struct {
	RemoteURL   string        `mapstructure:"remote_url" validate:"required"`
	AuthToken   string        `mapstructure:"auth_token"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"required"`
	Concurrency int           `mapstructure:"concurrency" validate:"required,min=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"required"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"required"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"required,min=1"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

// NewAppConfig unmarshals and validates the application configuration.
func NewAppConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values

	v.SetDefault("SERVICE_NAME", "recorder")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9120)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "logs")

	v.SetDefault("RECORDING_DIR", "recordings")
	v.SetDefault("DATABASE_PATH", "recorder.db")
	v.SetDefault("MIN_FREE_BYTES", 100<<20)

	v.SetDefault("AUDIO__SAMPLE_RATE", 16000)
	v.SetDefault("AUDIO__CHANNELS", 1)
	v.SetDefault("AUDIO__TICK_INTERVAL", "100ms")
	v.SetDefault("AUDIO__NOISE_FLOOR", 0.01)
	v.SetDefault("AUDIO__SMOOTHING_WINDOW", 10)
	v.SetDefault("AUDIO__LOW_TIER_PATIENCE", 20)
	v.SetDefault("AUDIO__MIN_GAIN", 1.0)
	v.SetDefault("AUDIO__MAX_GAIN", 4.0)
	v.SetDefault("AUDIO__BASELINE_GAIN", 2.0)
	v.SetDefault("AUDIO__VERY_LOW_RMS", 0.005)
	v.SetDefault("AUDIO__LOW_RMS", 0.02)
	v.SetDefault("AUDIO__ADEQUATE_RMS", 0.08)
	v.SetDefault("AUDIO__GAIN_RAMP_STEP", 0.25)

	v.SetDefault("TRANSCRIBE__ENGINE_URL", "http://127.0.0.1:9121")
	v.SetDefault("TRANSCRIBE__TIMEOUT", "120s")

	v.SetDefault("UPLOAD__REMOTE_URL", "http://127.0.0.1:9122")
	v.SetDefault("UPLOAD__AUTH_TOKEN", "")
	v.SetDefault("UPLOAD__TIMEOUT", "60s")
	v.SetDefault("UPLOAD__CONCURRENCY", 2)
	v.SetDefault("UPLOAD__BASE_DELAY", "2s")
	v.SetDefault("UPLOAD__MAX_DELAY", "5m")
	v.SetDefault("UPLOAD__MAX_ATTEMPTS", 5)
}
