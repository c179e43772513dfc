package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.GetMinPerClass() != 5 {
		t.Errorf("GetMinPerClass() = %d, want 5", cfg.GetMinPerClass())
	}
	if cfg.GetHoldoutFraction() != 0.2 {
		t.Errorf("GetHoldoutFraction() = %f, want 0.2", cfg.GetHoldoutFraction())
	}
	if cfg.GetSeed() != 42 {
		t.Errorf("GetSeed() = %d, want 42", cfg.GetSeed())
	}
	if cfg.GetMaxFrames() != 32 {
		t.Errorf("GetMaxFrames() = %d, want 32", cfg.GetMaxFrames())
	}
	if cfg.GetFrameStride() != 2 {
		t.Errorf("GetFrameStride() = %d, want 2", cfg.GetFrameStride())
	}
	if cfg.GetWorkers() != runtime.NumCPU() {
		t.Errorf("GetWorkers() = %d, want %d", cfg.GetWorkers(), runtime.NumCPU())
	}
	if diff := cmp.Diff([]int{128, 64}, cfg.GetHiddenLayers()); diff != "" {
		t.Errorf("GetHiddenLayers() mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetMaxIter() != 200 {
		t.Errorf("GetMaxIter() = %d, want 200", cfg.GetMaxIter())
	}
	if cfg.GetImgSize() != 160 {
		t.Errorf("GetImgSize() = %d, want 160", cfg.GetImgSize())
	}
	if cfg.GetFineTune() {
		t.Error("GetFineTune() = true, want false")
	}
	if !cfg.GetAugmentFlip() {
		t.Error("GetAugmentFlip() = false, want true")
	}
	if cfg.GetModelFile() != "gesture_frame_mlp.qnn" {
		t.Errorf("GetModelFile() = %q", cfg.GetModelFile())
	}
	if cfg.GetLabelsFile() != "labels.json" {
		t.Errorf("GetLabelsFile() = %q", cfg.GetLabelsFile())
	}
	if cfg.GetWorkdir() != filepath.Join("tools", "work") {
		t.Errorf("GetWorkdir() = %q", cfg.GetWorkdir())
	}
	if cfg.GetDatabase() != "" {
		t.Errorf("GetDatabase() = %q, want empty", cfg.GetDatabase())
	}
	assert.Len(t, cfg.GetAllowClasses(), 31)
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "train.json")

	testJSON := `{
  "min_per_class": 3,
  "holdout_fraction": 0.25,
  "seed": 7,
  "hidden_layers": [32],
  "fine_tune": true,
  "allow_classes": " a, b ,,7 ",
  "database": "runs.db"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.GetMinPerClass())
	assert.Equal(t, 0.25, cfg.GetHoldoutFraction())
	assert.Equal(t, uint64(7), cfg.GetSeed())
	assert.Equal(t, []int{32}, cfg.GetHiddenLayers())
	assert.True(t, cfg.GetFineTune())
	assert.Equal(t, []string{"A", "B", "7"}, cfg.GetAllowClasses())
	assert.Equal(t, "runs.db", cfg.GetDatabase())

	// Unset keys keep their defaults.
	assert.Equal(t, 32, cfg.GetMaxFrames())
	assert.Equal(t, 0.001, cfg.GetLearningRate())
}

func TestLoad_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "train.yaml", "{}", ".json extension"},
		{"bad json", "bad.json", "{", "failed to parse"},
		{"invalid holdout", "holdout.json", `{"holdout_fraction": 1.5}`, "holdout_fraction"},
		{"invalid min", "min.json", `{"min_per_class": 0}`, "min_per_class"},
		{"invalid hidden", "hidden.json", `{"hidden_layers": [16, 0]}`, "hidden_layers"},
		{"same artifact names", "names.json", `{"model_file": "x", "labels_file": "x"}`, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(tmpDir, "nope.json"))
		require.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(tmpDir, "big.json")
		big := `{"seed": 1` + strings.Repeat(" ", 1024*1024) + `}`
		require.NoError(t, os.WriteFile(path, []byte(big), 0644))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestMustLoadDefault_MatchesBuiltins(t *testing.T) {
	cfg := MustLoadDefault()
	builtin := Default()

	assert.Equal(t, builtin.GetMinPerClass(), cfg.GetMinPerClass())
	assert.Equal(t, builtin.GetHoldoutFraction(), cfg.GetHoldoutFraction())
	assert.Equal(t, builtin.GetSeed(), cfg.GetSeed())
	assert.Equal(t, builtin.GetMaxFrames(), cfg.GetMaxFrames())
	assert.Equal(t, builtin.GetHiddenLayers(), cfg.GetHiddenLayers())
	assert.Equal(t, builtin.GetTol(), cfg.GetTol())
	assert.Equal(t, builtin.GetAllowClasses(), cfg.GetAllowClasses())
	assert.Equal(t, builtin.GetModelFile(), cfg.GetModelFile())
	assert.Equal(t, builtin.GetWorkers(), cfg.GetWorkers())
}

func TestGetAllowClasses_EmptyDisablesFilter(t *testing.T) {
	cfg := &TrainConfig{AllowClasses: PtrString("")}
	assert.Nil(t, cfg.GetAllowClasses())
}

func TestGetHiddenLayers_ReturnsCopy(t *testing.T) {
	cfg := &TrainConfig{HiddenLayers: []int{8, 4}}
	got := cfg.GetHiddenLayers()
	got[0] = 99
	assert.Equal(t, []int{8, 4}, cfg.HiddenLayers)
}
