package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/cloudmask.defaults.json"

// TuningConfig represents the root configuration for the cloud-masking
// pipeline. Every field is optional; the Get* methods supply the default
// for anything the file leaves out.
type TuningConfig struct {
	// Background selection
	NumberOfImages  *int     `json:"number_of_images,omitempty"`
	NumberPreselect *int     `json:"number_preselect,omitempty"`
	NumberHours     *float64 `json:"number_hours,omitempty"`
	CommonArea      *float64 `json:"common_area,omitempty"`
	ThresholdCC     *float64 `json:"threshold_cc,omitempty"`
	AllowFuture     *bool    `json:"allow_future,omitempty"`

	// Composite
	ForecastMethod *string  `json:"forecast_method,omitempty"` // "percentile" or "persistence"
	Percentile     *float64 `json:"percentile,omitempty"`

	// Cluster scoring
	ThresholdDifCloud    *float64 `json:"threshold_dif_cloud,omitempty"`
	ThresholdReflectance *float64 `json:"threshold_reflectance,omitempty"`
	DoClustering         *bool    `json:"do_clustering,omitempty"`
	NumPixels            *int     `json:"num_pixels,omitempty"`
	NClusters            *int     `json:"n_clusters,omitempty"`
	GrowingRatio         *float64 `json:"growing_ratio,omitempty"`
	BandsThresholds      []string `json:"bands_thresholds,omitempty"`
	ReflectanceScale     *float64 `json:"reflectance_scale,omitempty"`
	Seed                 *int64   `json:"seed,omitempty"`

	// Fusion
	Policies            []int    `json:"policies,omitempty"`
	FusionMethods       []string `json:"fusion_methods,omitempty"`
	ClassifierThreshold *float64 `json:"classifier_threshold,omitempty"`
	ClassifierPath      *string  `json:"classifier_path,omitempty"`
	TreesPath           *string  `json:"trees_path,omitempty"`

	// Orchestration
	NbTaskMax       *int     `json:"nb_task_max,omitempty"`
	PollInterval    *string  `json:"poll_interval,omitempty"` // duration string like "30s"
	RetryDelay      *string  `json:"retry_delay,omitempty"`
	EngineRateLimit *float64 `json:"engine_rate_limit,omitempty"` // blocking calls per second
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/raster/local/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Unknown policy
// numbers and method names are rejected here, before any remote call.
func (c *TuningConfig) Validate() error {
	if c.NumberOfImages != nil && *c.NumberOfImages < 1 {
		return fmt.Errorf("number_of_images must be at least 1, got %d", *c.NumberOfImages)
	}
	if c.NumberPreselect != nil && *c.NumberPreselect < 1 {
		return fmt.Errorf("number_preselect must be at least 1, got %d", *c.NumberPreselect)
	}
	if c.NumberHours != nil && *c.NumberHours < 0 {
		return fmt.Errorf("number_hours must be non-negative, got %f", *c.NumberHours)
	}
	if c.CommonArea != nil && (*c.CommonArea < 0 || *c.CommonArea > 1) {
		return fmt.Errorf("common_area must be between 0 and 1, got %f", *c.CommonArea)
	}
	if c.ForecastMethod != nil {
		switch *c.ForecastMethod {
		case "percentile", "persistence":
		default:
			return fmt.Errorf("forecast_method must be percentile or persistence, got %q", *c.ForecastMethod)
		}
	}
	if c.Percentile != nil && (*c.Percentile < 0 || *c.Percentile > 100) {
		return fmt.Errorf("percentile must be between 0 and 100, got %f", *c.Percentile)
	}
	if c.NumPixels != nil && *c.NumPixels < 1 {
		return fmt.Errorf("num_pixels must be at least 1, got %d", *c.NumPixels)
	}
	if c.NClusters != nil && *c.NClusters < 1 {
		return fmt.Errorf("n_clusters must be at least 1, got %d", *c.NClusters)
	}
	if c.GrowingRatio != nil && *c.GrowingRatio < 0 {
		return fmt.Errorf("growing_ratio must be non-negative, got %f", *c.GrowingRatio)
	}
	if c.ReflectanceScale != nil && *c.ReflectanceScale <= 0 {
		return fmt.Errorf("reflectance_scale must be positive, got %f", *c.ReflectanceScale)
	}
	for _, p := range c.Policies {
		if p < 1 || p > 8 {
			return fmt.Errorf("unknown background policy number %d (want 1-8)", p)
		}
	}
	if c.FusionMethods != nil && len(c.FusionMethods) != 4 {
		return fmt.Errorf("fusion_methods must name exactly 4 bands, got %d", len(c.FusionMethods))
	}
	if c.ClassifierThreshold != nil && (*c.ClassifierThreshold < 0 || *c.ClassifierThreshold > 1) {
		return fmt.Errorf("classifier_threshold must be between 0 and 1, got %f", *c.ClassifierThreshold)
	}
	if c.NbTaskMax != nil && *c.NbTaskMax < 1 {
		return fmt.Errorf("nb_task_max must be at least 1, got %d", *c.NbTaskMax)
	}
	if c.EngineRateLimit != nil && *c.EngineRateLimit <= 0 {
		return fmt.Errorf("engine_rate_limit must be positive, got %f", *c.EngineRateLimit)
	}
	for name, v := range map[string]*string{"poll_interval": c.PollInterval, "retry_delay": c.RetryDelay} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

// GetNumberOfImages returns the number_of_images value or the default.
func (c *TuningConfig) GetNumberOfImages() int {
	if c.NumberOfImages == nil {
		return 20
	}
	return *c.NumberOfImages
}

// GetNumberPreselect returns the number_preselect value or the default.
func (c *TuningConfig) GetNumberPreselect() int {
	if c.NumberPreselect == nil {
		return 40
	}
	return *c.NumberPreselect
}

// GetNumberHours returns the half-width, in hours, of the exclusion window
// around the target capture time.
func (c *TuningConfig) GetNumberHours() float64 {
	if c.NumberHours == nil {
		return 18
	}
	return *c.NumberHours
}

// GetCommonArea returns the common_area value or the default.
func (c *TuningConfig) GetCommonArea() float64 {
	if c.CommonArea == nil {
		return 0.95
	}
	return *c.CommonArea
}

// GetThresholdCC returns the threshold_cc value or the default.
func (c *TuningConfig) GetThresholdCC() float64 {
	if c.ThresholdCC == nil {
		return 10
	}
	return *c.ThresholdCC
}

// GetAllowFuture returns the allow_future value or the default.
func (c *TuningConfig) GetAllowFuture() bool {
	if c.AllowFuture == nil {
		return true
	}
	return *c.AllowFuture
}

// GetForecastMethod returns the forecast_method value or the default.
func (c *TuningConfig) GetForecastMethod() string {
	if c.ForecastMethod == nil || *c.ForecastMethod == "" {
		return "percentile"
	}
	return *c.ForecastMethod
}

// GetPercentile returns the percentile value or the default (median).
func (c *TuningConfig) GetPercentile() float64 {
	if c.Percentile == nil {
		return 50
	}
	return *c.Percentile
}

// GetThresholdDifCloud returns the threshold_dif_cloud value or the default.
func (c *TuningConfig) GetThresholdDifCloud() float64 {
	if c.ThresholdDifCloud == nil {
		return 0.04
	}
	return *c.ThresholdDifCloud
}

// GetThresholdReflectance returns the threshold_reflectance value or the default.
func (c *TuningConfig) GetThresholdReflectance() float64 {
	if c.ThresholdReflectance == nil {
		return 0.175
	}
	return *c.ThresholdReflectance
}

// GetDoClustering returns the do_clustering value or the default.
func (c *TuningConfig) GetDoClustering() bool {
	if c.DoClustering == nil {
		return true
	}
	return *c.DoClustering
}

// GetNumPixels returns the num_pixels value or the default.
func (c *TuningConfig) GetNumPixels() int {
	if c.NumPixels == nil {
		return 5000
	}
	return *c.NumPixels
}

// GetNClusters returns the n_clusters value or the default.
func (c *TuningConfig) GetNClusters() int {
	if c.NClusters == nil {
		return 10
	}
	return *c.NClusters
}

// GetGrowingRatio returns the growing_ratio value or the default.
func (c *TuningConfig) GetGrowingRatio() float64 {
	if c.GrowingRatio == nil {
		return 2
	}
	return *c.GrowingRatio
}

// GetBandsThresholds returns the bands_thresholds value or the default.
func (c *TuningConfig) GetBandsThresholds() []string {
	if len(c.BandsThresholds) == 0 {
		return []string{"B4", "B3", "B2"}
	}
	return slices.Clone(c.BandsThresholds)
}

// GetReflectanceScale returns the factor applied to digital numbers before
// scoring.
func (c *TuningConfig) GetReflectanceScale() float64 {
	if c.ReflectanceScale == nil {
		return 1.0 / 10000
	}
	return *c.ReflectanceScale
}

// GetSeed returns the seed used for pixel sampling and k-means seeding.
func (c *TuningConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// GetPolicies returns the background policy numbers whose percentile
// scores feed fusion.
func (c *TuningConfig) GetPolicies() []int {
	if len(c.Policies) == 0 {
		return []int{1, 5}
	}
	return slices.Clone(c.Policies)
}

// GetFusionMethods returns the classifier input bands in stacking order.
func (c *TuningConfig) GetFusionMethods() []string {
	if len(c.FusionMethods) == 0 {
		return []string{"tree3", "tree2", "percentile1", "percentile5"}
	}
	return slices.Clone(c.FusionMethods)
}

// GetClassifierThreshold returns the classifier_threshold value or the default.
func (c *TuningConfig) GetClassifierThreshold() float64 {
	if c.ClassifierThreshold == nil {
		return 0.29
	}
	return *c.ClassifierThreshold
}

// GetClassifierPath returns the path of the trained forest artifact.
func (c *TuningConfig) GetClassifierPath() string {
	if c.ClassifierPath == nil {
		return "config/forest.json"
	}
	return *c.ClassifierPath
}

// GetTreesPath returns the optional decision-tree override file. Empty means
// the built-in thresholds.
func (c *TuningConfig) GetTreesPath() string {
	if c.TreesPath == nil {
		return ""
	}
	return *c.TreesPath
}

// GetNbTaskMax returns the nb_task_max value or the default.
func (c *TuningConfig) GetNbTaskMax() int {
	if c.NbTaskMax == nil {
		return 2
	}
	return *c.NbTaskMax
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *TuningConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 30*time.Second)
}

// GetRetryDelay parses and returns the RetryDelay as a time.Duration.
func (c *TuningConfig) GetRetryDelay() time.Duration {
	return parseDurationOr(c.RetryDelay, 5*time.Second)
}

// GetEngineRateLimit returns the engine_rate_limit value or the default.
func (c *TuningConfig) GetEngineRateLimit() float64 {
	if c.EngineRateLimit == nil {
		return 4
	}
	return *c.EngineRateLimit
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
