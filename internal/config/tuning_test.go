package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if cfg.GetNumberOfImages() != 20 {
		t.Errorf("GetNumberOfImages() = %d, want 20", cfg.GetNumberOfImages())
	}
	if cfg.GetNumberPreselect() != 40 {
		t.Errorf("GetNumberPreselect() = %d, want 40", cfg.GetNumberPreselect())
	}
	if cfg.GetNumberHours() != 18 {
		t.Errorf("GetNumberHours() = %f, want 18", cfg.GetNumberHours())
	}
	if cfg.GetCommonArea() != 0.95 {
		t.Errorf("GetCommonArea() = %f, want 0.95", cfg.GetCommonArea())
	}
	if cfg.GetThresholdDifCloud() != 0.04 {
		t.Errorf("GetThresholdDifCloud() = %f, want 0.04", cfg.GetThresholdDifCloud())
	}
	if cfg.GetThresholdReflectance() != 0.175 {
		t.Errorf("GetThresholdReflectance() = %f, want 0.175", cfg.GetThresholdReflectance())
	}
	if !cfg.GetDoClustering() {
		t.Error("GetDoClustering() = false, want true")
	}
	if cfg.GetNumPixels() != 5000 || cfg.GetNClusters() != 10 || cfg.GetGrowingRatio() != 2 {
		t.Errorf("clustering defaults = %d/%d/%f", cfg.GetNumPixels(), cfg.GetNClusters(), cfg.GetGrowingRatio())
	}
	if got := cfg.GetBandsThresholds(); !reflect.DeepEqual(got, []string{"B4", "B3", "B2"}) {
		t.Errorf("GetBandsThresholds() = %v", got)
	}
	if cfg.GetNbTaskMax() != 2 {
		t.Errorf("GetNbTaskMax() = %d, want 2", cfg.GetNbTaskMax())
	}
	if cfg.GetClassifierThreshold() != 0.29 {
		t.Errorf("GetClassifierThreshold() = %f, want 0.29", cfg.GetClassifierThreshold())
	}
	if cfg.GetPollInterval() != 30*time.Second {
		t.Errorf("GetPollInterval() = %v, want 30s", cfg.GetPollInterval())
	}
	if cfg.GetRetryDelay() != 5*time.Second {
		t.Errorf("GetRetryDelay() = %v, want 5s", cfg.GetRetryDelay())
	}
	if got := cfg.GetFusionMethods(); !reflect.DeepEqual(got, []string{"tree3", "tree2", "percentile1", "percentile5"}) {
		t.Errorf("GetFusionMethods() = %v", got)
	}
	if got := cfg.GetPolicies(); !reflect.DeepEqual(got, []int{1, 5}) {
		t.Errorf("GetPolicies() = %v", got)
	}
	if cfg.GetForecastMethod() != "percentile" || cfg.GetPercentile() != 50 {
		t.Errorf("forecast defaults = %s/%f", cfg.GetForecastMethod(), cfg.GetPercentile())
	}
}

func TestGettersReturnCopies(t *testing.T) {
	cfg := &TuningConfig{BandsThresholds: []string{"B2"}}
	got := cfg.GetBandsThresholds()
	got[0] = "B9"
	if cfg.BandsThresholds[0] != "B2" {
		t.Error("GetBandsThresholds must not alias the config slice")
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "number_of_images": 10,
  "threshold_dif_cloud": 0.05,
  "do_clustering": false,
  "poll_interval": "1m",
  "bands_thresholds": ["B2", "B3"]
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetNumberOfImages() != 10 {
		t.Errorf("GetNumberOfImages() = %d, want 10", cfg.GetNumberOfImages())
	}
	if cfg.GetThresholdDifCloud() != 0.05 {
		t.Errorf("GetThresholdDifCloud() = %f, want 0.05", cfg.GetThresholdDifCloud())
	}
	if cfg.GetDoClustering() {
		t.Error("GetDoClustering() = true, want false")
	}
	if cfg.GetPollInterval() != time.Minute {
		t.Errorf("GetPollInterval() = %v, want 1m", cfg.GetPollInterval())
	}
	// Omitted fields keep their defaults.
	if cfg.GetNClusters() != 10 {
		t.Errorf("GetNClusters() = %d, want 10", cfg.GetNClusters())
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("cfg.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "nope.json"), "stat"},
		{"bad json", write("bad.json", "{"), "parse"},
		{"unknown policy", write("policy.json", `{"policies":[1,9]}`), "policy number 9"},
		{"bad fusion arity", write("fusion.json", `{"fusion_methods":["tree3"]}`), "exactly 4"},
		{"bad duration", write("dur.json", `{"poll_interval":"soon"}`), "poll_interval"},
		{"zero clusters", write("k.json", `{"n_clusters":0}`), "n_clusters"},
		{"common area range", write("area.json", `{"common_area":1.5}`), "common_area"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTuningConfig(tc.path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_Pointers(t *testing.T) {
	cfg := &TuningConfig{
		NumberOfImages: ptrInt(3),
		CommonArea:     ptrFloat64(0.5),
		AllowFuture:    ptrBool(false),
		ForecastMethod: ptrString("persistence"),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.GetAllowFuture() {
		t.Error("GetAllowFuture() = true, want false")
	}

	cfg.ForecastMethod = ptrString("linear")
	if err := cfg.Validate(); err == nil {
		t.Error("expected forecast_method error")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	// The defaults file and the Get* fallbacks must agree.
	if cfg.GetNumberOfImages() != empty.GetNumberOfImages() {
		t.Errorf("number_of_images: file %d, fallback %d", cfg.GetNumberOfImages(), empty.GetNumberOfImages())
	}
	if cfg.GetThresholdReflectance() != empty.GetThresholdReflectance() {
		t.Errorf("threshold_reflectance: file %f, fallback %f", cfg.GetThresholdReflectance(), empty.GetThresholdReflectance())
	}
	if cfg.GetReflectanceScale() != empty.GetReflectanceScale() {
		t.Errorf("reflectance_scale: file %g, fallback %g", cfg.GetReflectanceScale(), empty.GetReflectanceScale())
	}
	if cfg.GetPollInterval() != empty.GetPollInterval() {
		t.Errorf("poll_interval: file %v, fallback %v", cfg.GetPollInterval(), empty.GetPollInterval())
	}
	if !reflect.DeepEqual(cfg.GetFusionMethods(), empty.GetFusionMethods()) {
		t.Errorf("fusion_methods: file %v, fallback %v", cfg.GetFusionMethods(), empty.GetFusionMethods())
	}
	if cfg.GetEngineRateLimit() != empty.GetEngineRateLimit() {
		t.Errorf("engine_rate_limit: file %f, fallback %f", cfg.GetEngineRateLimit(), empty.GetEngineRateLimit())
	}
}
