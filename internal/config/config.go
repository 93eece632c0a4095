package config

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/menta2k/mask-annotator/pkg/geometry"
	"github.com/menta2k/mask-annotator/pkg/render"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Annotation AnnotationConfig `json:"annotation"`
	Overlay    OverlayConfig    `json:"overlay"`
	Cutout     CutoutConfig     `json:"cutout"`
	Describe   DescribeConfig   `json:"describe"`
	Output     OutputConfig     `json:"output"`
}

// ServerConfig holds the segmentation service connection
type ServerConfig struct {
	URL     string   `json:"url"`
	Timeout Duration `json:"timeout"`
}

// AnnotationConfig holds session behaviour
type AnnotationConfig struct {
	EdgePolicy        string   `json:"edge_policy"`
	RollbackOnFailure bool     `json:"rollback_on_failure"`
	PredictTimeout    Duration `json:"predict_timeout"`
	FilterContours    bool     `json:"filter_contours"`
}

// OverlayConfig holds mask drawing colours as #rrggbbaa
type OverlayConfig struct {
	Fill         string  `json:"fill"`
	Stroke       string  `json:"stroke"`
	StrokeWidth  float64 `json:"stroke_width"`
	Foreground   string  `json:"foreground"`
	Background   string  `json:"background"`
	MarkerRadius float64 `json:"marker_radius"`
}

// CutoutConfig holds cut-out generation settings
type CutoutConfig struct {
	Padding float64 `json:"padding"`
	MaxSize int     `json:"max_size"`
}

// DescribeConfig holds the optional vision model backend
type DescribeConfig struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	URL     string `json:"url"`
	Model   string `json:"model"`
	// Prompt replaces the built-in description prompt when set
	Prompt string `json:"prompt,omitempty"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Quality       int    `json:"quality"`
	Lossless      bool   `json:"lossless"`
}

// Duration is a time.Duration written as "30s" in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are seconds
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration with default values
func Default() *Config {
	style := render.DefaultStyle()
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:8000",
			Timeout: Duration(60 * time.Second),
		},
		Annotation: AnnotationConfig{
			EdgePolicy:        geometry.EdgeClamp.String(),
			RollbackOnFailure: false,
			PredictTimeout:    0,
			FilterContours:    true,
		},
		Overlay: OverlayConfig{
			Fill:         formatColor(style.Fill),
			Stroke:       formatColor(style.Stroke),
			StrokeWidth:  style.StrokeWidth,
			Foreground:   formatColor(style.Foreground),
			Background:   formatColor(style.Background),
			MarkerRadius: style.MarkerRadius,
		},
		Cutout: CutoutConfig{
			Padding: 0.05,
			MaxSize: 1024,
		},
		Describe: DescribeConfig{
			Enabled: false,
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   "llava",
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			OutputDir:     "./out",
			Quality:       90,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.url must be an http or https URL")
	}

	if c.Server.Timeout < 0 || c.Annotation.PredictTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if _, err := geometry.ParseEdgePolicy(c.Annotation.EdgePolicy); err != nil {
		return fmt.Errorf("annotation.edge_policy: %w", err)
	}

	if _, err := c.Style(); err != nil {
		return err
	}

	if c.Cutout.Padding < 0 || c.Cutout.Padding > 1 {
		return fmt.Errorf("cutout.padding must be between 0 and 1")
	}

	if c.Cutout.MaxSize < 0 {
		return fmt.Errorf("cutout.max_size cannot be negative")
	}

	switch c.Describe.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("describe.backend must be ollama or llamacpp")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.default_format must be png, jpg or webp")
	}

	return nil
}

// EdgePolicy returns the parsed edge policy
func (c *Config) EdgePolicy() geometry.EdgePolicy {
	p, _ := geometry.ParseEdgePolicy(c.Annotation.EdgePolicy)
	return p
}

// Style converts the overlay colours into a render style
func (c *Config) Style() (render.Style, error) {
	style := render.Style{
		StrokeWidth:  c.Overlay.StrokeWidth,
		MarkerRadius: c.Overlay.MarkerRadius,
	}
	fields := []struct {
		name string
		in   string
		out  *color.NRGBA
	}{
		{"overlay.fill", c.Overlay.Fill, &style.Fill},
		{"overlay.stroke", c.Overlay.Stroke, &style.Stroke},
		{"overlay.foreground", c.Overlay.Foreground, &style.Foreground},
		{"overlay.background", c.Overlay.Background, &style.Background},
	}
	for _, f := range fields {
		col, err := parseColor(f.in)
		if err != nil {
			return render.Style{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = col
	}
	return style, nil
}

// parseColor reads #rrggbb or #rrggbbaa
func parseColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	var r, g, b, a uint8
	a = 255
	switch len(s) {
	case 6:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
			return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
		}
	case 8:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x%02x", &r, &g, &b, &a); err != nil {
			return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
		}
	default:
		return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.NRGBA{R: r, G: g, B: b, A: a}, nil
}

func formatColor(c color.NRGBA) string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "mask-annotator", "config.json")
}
