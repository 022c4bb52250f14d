// Package config loads settings for the inference server and the interactive client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModelVariant is one entry of models.variants. Variants are a list rather than
// a map because viper lowercases map keys, and model ids are case sensitive.
type ModelVariant struct {
	ID     string
	Path   string
	Labels string
}

type Settings struct {
	Debug bool

	Server struct {
		Listen            string
		ReadTimeout       time.Duration
		WriteTimeout      time.Duration
		LegacyErrorStatus bool // report structured errors with 200, for callers that only inspect the body
		MaxUploadMB       int
	}

	Models struct {
		Default  string
		Variants []ModelVariant
	}

	Onnx struct {
		Library  string
		PoolSize int
		Threads  int
	}

	Detect struct {
		Confidence float64
		Iou        float64
	}

	Fetch struct {
		Timeout   time.Duration
		UserAgent string
		MaxBytes  int64
	}

	Client struct {
		API           string
		Listen        string
		StaticTimeout time.Duration
		WebcamTimeout time.Duration
		JpegQuality   int
		LowLatency    struct {
			Width  int
			Height int
		}
	}
}

// ModelIDs returns configured model identifiers, sorted.
func (s *Settings) ModelIDs() []string {
	ids := make([]string, 0, len(s.Models.Variants))
	for _, v := range s.Models.Variants {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks settings that would otherwise only fail at first use.
func (s *Settings) Validate() error {
	if len(s.Models.Variants) == 0 {
		return errors.New("models.variants is empty")
	}
	seen := map[string]bool{}
	for i, v := range s.Models.Variants {
		if v.ID == "" {
			return fmt.Errorf("models.variants[%d] has no id", i)
		}
		if v.Path == "" {
			return fmt.Errorf("model %v has no path", v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("model %v is configured twice", v.ID)
		}
		seen[v.ID] = true
	}
	if !seen[s.Models.Default] {
		return fmt.Errorf("models.default '%v' is not one of %v", s.Models.Default, s.ModelIDs())
	}
	if s.Detect.Confidence < 0 || s.Detect.Confidence > 1 {
		return fmt.Errorf("detect.confidence must be between 0 and 1, got %v", s.Detect.Confidence)
	}
	if s.Detect.Iou < 0 || s.Detect.Iou > 1 {
		return fmt.Errorf("detect.iou must be between 0 and 1, got %v", s.Detect.Iou)
	}
	if s.Client.JpegQuality < 1 || s.Client.JpegQuality > 100 {
		return fmt.Errorf("client.jpegquality must be between 1 and 100, got %v", s.Client.JpegQuality)
	}
	return nil
}

// Load reads defaults, an optional config file, and JACKFRUIT_* environment variables
// into v, and decodes the result. configFile may be empty, in which case the standard
// locations are searched and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	setDefaults(v)

	v.SetEnvPrefix("jackfruit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range configPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

func configPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jackfruit"))
	}
	return append(paths, "/etc/jackfruit")
}
