package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// DefaultDisplaySpacing is the isotropic voxel spacing (mm) of display caches.
	DefaultDisplaySpacing = 1.0

	// DefaultDisplayMaxDim bounds each axis of a display cache.
	DefaultDisplayMaxDim = 512

	// DefaultAnnotationOpacity is the opacity given to newly imported annotations.
	DefaultAnnotationOpacity = 0.5

	// DefaultAtlasOpacity is the opacity given to every structure of a new atlas.
	DefaultAtlasOpacity = 0.4

	// DefaultIDPrefixBound is the exclusive upper bound of the random id prefix.
	DefaultIDPrefixBound = 1000

	// DefaultRescanWorkers is the number of patients a study rescan loads in parallel.
	DefaultRescanWorkers = 4
)

// Preferences holds every setting the data model consumes. It is built once
// and passed explicitly to each aggregate.
type Preferences struct {
	Storage StorageConfig `mapstructure:"storage"`
	Display DisplayConfig `mapstructure:"display"`
	IDs     IDConfig      `mapstructure:"ids"`
	Study   StudyConfig   `mapstructure:"study"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig locates the managed tree.
type StorageConfig struct {
	Root string `mapstructure:"root"`
}

// DisplayConfig holds display cache and default styling settings.
type DisplayConfig struct {
	Spacing           float64 `mapstructure:"spacing"`
	MaxDim            int     `mapstructure:"max_dim"`
	AnnotationOpacity float64 `mapstructure:"annotation_opacity"`
	AnnotationColor   []int   `mapstructure:"annotation_color"`
	AtlasOpacity      float64 `mapstructure:"atlas_opacity"`
}

// IDConfig controls entity id generation.
type IDConfig struct {
	MaxPrefix int `mapstructure:"max_prefix"`
}

// StudyConfig holds study-level settings.
type StudyConfig struct {
	RescanWorkers int `mapstructure:"rescan_workers"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PatientsDir is the top-level folder holding one sub-folder per patient.
func (p *Preferences) PatientsDir() string {
	return filepath.Join(p.Storage.Root, "patients")
}

// StudiesDir is the top-level folder holding one sub-folder per study.
func (p *Preferences) StudiesDir() string {
	return filepath.Join(p.Storage.Root, "studies")
}

// Default returns preferences rooted at root with every other field at its default.
func Default(root string) *Preferences {
	return &Preferences{
		Storage: StorageConfig{Root: root},
		Display: DisplayConfig{
			Spacing:           DefaultDisplaySpacing,
			MaxDim:            DefaultDisplayMaxDim,
			AnnotationOpacity: DefaultAnnotationOpacity,
			AnnotationColor:   []int{255, 255, 0},
			AtlasOpacity:      DefaultAtlasOpacity,
		},
		IDs:     IDConfig{MaxPrefix: DefaultIDPrefixBound},
		Study:   StudyConfig{RescanWorkers: DefaultRescanWorkers},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads preferences from file and environment variables.
func Load() (*Preferences, error) {
	v := viper.New()

	v.SetDefault("storage.root", filepath.Join(homeDir(), ".radcase", "data"))

	v.SetDefault("display.spacing", DefaultDisplaySpacing)
	v.SetDefault("display.max_dim", DefaultDisplayMaxDim)
	v.SetDefault("display.annotation_opacity", DefaultAnnotationOpacity)
	v.SetDefault("display.annotation_color", []int{255, 255, 0})
	v.SetDefault("display.atlas_opacity", DefaultAtlasOpacity)

	v.SetDefault("ids.max_prefix", DefaultIDPrefixBound)
	v.SetDefault("study.rescan_workers", DefaultRescanWorkers)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(homeDir(), ".radcase"))
	v.AddConfigPath(".")

	v.SetEnvPrefix("RADCASE")
	v.AutomaticEnv()

	_ = v.BindEnv("storage.root", "RADCASE_STORAGE_ROOT")
	_ = v.BindEnv("logging.level", "RADCASE_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var prefs Preferences
	if err := v.Unmarshal(&prefs); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := prefs.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &prefs, nil
}

// Validate checks that required fields are set and in range.
func (p *Preferences) Validate() error {
	if p.Storage.Root == "" {
		return fmt.Errorf("storage.root must not be empty")
	}
	if p.Display.Spacing <= 0 {
		return fmt.Errorf("display.spacing must be greater than 0")
	}
	if p.Display.MaxDim <= 0 {
		return fmt.Errorf("display.max_dim must be greater than 0")
	}
	if p.Display.AnnotationOpacity < 0 || p.Display.AnnotationOpacity > 1 {
		return fmt.Errorf("display.annotation_opacity must be between 0 and 1")
	}
	if p.Display.AtlasOpacity < 0 || p.Display.AtlasOpacity > 1 {
		return fmt.Errorf("display.atlas_opacity must be between 0 and 1")
	}
	if len(p.Display.AnnotationColor) != 3 {
		return fmt.Errorf("display.annotation_color must have exactly 3 components")
	}
	for _, c := range p.Display.AnnotationColor {
		if c < 0 || c > 255 {
			return fmt.Errorf("display.annotation_color components must be between 0 and 255")
		}
	}
	if p.IDs.MaxPrefix <= 0 {
		return fmt.Errorf("ids.max_prefix must be greater than 0")
	}
	if p.Study.RescanWorkers <= 0 {
		return fmt.Errorf("study.rescan_workers must be greater than 0")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
