package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigPath is the path to the canonical training defaults file.
const DefaultConfigPath = "config/train.defaults.json"

// DefaultAllowClasses is the letter/digit set the static-sign classifiers
// are trained on when no allow-list is configured.
const DefaultAllowClasses = "A,B,C,D,E,F,G,H,I,L,M,N,O,P,R,S,T,U,V,W,Y,0,1,2,3,4,5,6,7,8,9"

// TrainConfig is the root configuration for a training run. Every field is
// optional; the Get* accessors supply the defaults for omitted fields so a
// partial file is always safe.
type TrainConfig struct {
	// Dataset assembly
	MinPerClass     *int     `json:"min_per_class,omitempty"`
	HoldoutFraction *float64 `json:"holdout_fraction,omitempty"`
	Seed            *uint64  `json:"seed,omitempty"`

	// Landmark extraction
	MaxFrames   *int `json:"max_frames,omitempty"`
	FrameStride *int `json:"frame_stride,omitempty"`
	Workers     *int `json:"workers,omitempty"`

	// Landmark MLP
	HiddenLayers  []int    `json:"hidden_layers,omitempty"`
	MaxIter       *int     `json:"max_iter,omitempty"`
	LearningRate  *float64 `json:"learning_rate,omitempty"`
	L2Alpha       *float64 `json:"l2_alpha,omitempty"`
	BatchSize     *int     `json:"batch_size,omitempty"`
	Tol           *float64 `json:"tol,omitempty"`
	NIterNoChange *int     `json:"n_iter_no_change,omitempty"`

	// Image-grid CNN
	ImgSize      *int     `json:"img_size,omitempty"`
	Epochs       *int     `json:"epochs,omitempty"`
	CNNBatchSize *int     `json:"cnn_batch_size,omitempty"`
	FineTune     *bool    `json:"fine_tune,omitempty"`
	FineTuneLR   *float64 `json:"fine_tune_lr,omitempty"`
	Dropout      *float64 `json:"dropout,omitempty"`
	AugmentFlip  *bool    `json:"augment_flip,omitempty"`
	AllowClasses *string  `json:"allow_classes,omitempty"`

	// Artifacts
	ModelFile  *string `json:"model_file,omitempty"`
	LabelsFile *string `json:"labels_file,omitempty"`
	Workdir    *string `json:"workdir,omitempty"`
	Database   *string `json:"database,omitempty"`
}

// Default returns a TrainConfig with every field unset; all Get* accessors
// then return the built-in defaults.
func Default() *TrainConfig {
	return &TrainConfig{}
}

// Load reads a TrainConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func Load(path string) (*TrainConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefault loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Intended for test setup.
func MustLoadDefault() *TrainConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *TrainConfig) Validate() error {
	if c.MinPerClass != nil && *c.MinPerClass < 1 {
		return fmt.Errorf("min_per_class must be at least 1, got %d", *c.MinPerClass)
	}
	if c.HoldoutFraction != nil && (*c.HoldoutFraction <= 0 || *c.HoldoutFraction >= 1) {
		return fmt.Errorf("holdout_fraction must be between 0 and 1 (exclusive), got %f", *c.HoldoutFraction)
	}
	if c.MaxFrames != nil && *c.MaxFrames < 1 {
		return fmt.Errorf("max_frames must be positive, got %d", *c.MaxFrames)
	}
	if c.FrameStride != nil && *c.FrameStride < 1 {
		return fmt.Errorf("frame_stride must be positive, got %d", *c.FrameStride)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	for _, h := range c.HiddenLayers {
		if h < 1 {
			return fmt.Errorf("hidden_layers entries must be positive, got %v", c.HiddenLayers)
		}
	}
	if c.MaxIter != nil && *c.MaxIter < 1 {
		return fmt.Errorf("max_iter must be positive, got %d", *c.MaxIter)
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", *c.LearningRate)
	}
	if c.FineTuneLR != nil && *c.FineTuneLR <= 0 {
		return fmt.Errorf("fine_tune_lr must be positive, got %f", *c.FineTuneLR)
	}
	if c.L2Alpha != nil && *c.L2Alpha < 0 {
		return fmt.Errorf("l2_alpha must be non-negative, got %f", *c.L2Alpha)
	}
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", *c.BatchSize)
	}
	if c.CNNBatchSize != nil && *c.CNNBatchSize < 1 {
		return fmt.Errorf("cnn_batch_size must be positive, got %d", *c.CNNBatchSize)
	}
	if c.ImgSize != nil && *c.ImgSize < 8 {
		return fmt.Errorf("img_size must be at least 8, got %d", *c.ImgSize)
	}
	if c.Epochs != nil && *c.Epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", *c.Epochs)
	}
	if c.Dropout != nil && (*c.Dropout < 0 || *c.Dropout >= 1) {
		return fmt.Errorf("dropout must be in [0, 1), got %f", *c.Dropout)
	}
	if c.ModelFile != nil && strings.ContainsRune(*c.ModelFile, os.PathSeparator) {
		return fmt.Errorf("model_file must be a bare file name, got %q", *c.ModelFile)
	}
	if c.LabelsFile != nil && strings.ContainsRune(*c.LabelsFile, os.PathSeparator) {
		return fmt.Errorf("labels_file must be a bare file name, got %q", *c.LabelsFile)
	}
	if c.ModelFile != nil && c.LabelsFile != nil && *c.ModelFile == *c.LabelsFile {
		return fmt.Errorf("model_file and labels_file must differ")
	}
	return nil
}

// GetMinPerClass returns the minimum samples a class needs to be trained on.
func (c *TrainConfig) GetMinPerClass() int {
	if c.MinPerClass == nil {
		return 5
	}
	return *c.MinPerClass
}

// GetHoldoutFraction returns the fraction of samples held out for validation.
func (c *TrainConfig) GetHoldoutFraction() float64 {
	if c.HoldoutFraction == nil {
		return 0.2
	}
	return *c.HoldoutFraction
}

// GetSeed returns the seed used for splits, initialisation and shuffling.
func (c *TrainConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// GetMaxFrames returns the cap on retained frames per video.
func (c *TrainConfig) GetMaxFrames() int {
	if c.MaxFrames == nil {
		return 32
	}
	return *c.MaxFrames
}

// GetFrameStride returns the temporal subsampling stride for videos.
func (c *TrainConfig) GetFrameStride() int {
	if c.FrameStride == nil {
		return 2
	}
	return *c.FrameStride
}

// GetWorkers returns the media worker pool size; 0 means one per CPU.
func (c *TrainConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

// GetHiddenLayers returns the MLP hidden layer widths.
func (c *TrainConfig) GetHiddenLayers() []int {
	if len(c.HiddenLayers) == 0 {
		return []int{128, 64}
	}
	out := make([]int, len(c.HiddenLayers))
	copy(out, c.HiddenLayers)
	return out
}

// GetMaxIter returns the MLP epoch budget.
func (c *TrainConfig) GetMaxIter() int {
	if c.MaxIter == nil {
		return 200
	}
	return *c.MaxIter
}

// GetLearningRate returns the initial Adam learning rate.
func (c *TrainConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return 0.001
	}
	return *c.LearningRate
}

// GetL2Alpha returns the MLP L2 penalty.
func (c *TrainConfig) GetL2Alpha() float64 {
	if c.L2Alpha == nil {
		return 0.0001
	}
	return *c.L2Alpha
}

// GetBatchSize returns the MLP mini-batch cap.
func (c *TrainConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 200
	}
	return *c.BatchSize
}

// GetTol returns the loss improvement below which an epoch counts as stalled.
func (c *TrainConfig) GetTol() float64 {
	if c.Tol == nil {
		return 1e-4
	}
	return *c.Tol
}

// GetNIterNoChange returns how many stalled epochs end MLP training early.
func (c *TrainConfig) GetNIterNoChange() int {
	if c.NIterNoChange == nil {
		return 10
	}
	return *c.NIterNoChange
}

// GetImgSize returns the square edge length of image-grid inputs.
func (c *TrainConfig) GetImgSize() int {
	if c.ImgSize == nil {
		return 160
	}
	return *c.ImgSize
}

// GetEpochs returns the CNN epoch count for the first phase.
func (c *TrainConfig) GetEpochs() int {
	if c.Epochs == nil {
		return 10
	}
	return *c.Epochs
}

// GetCNNBatchSize returns the CNN mini-batch size.
func (c *TrainConfig) GetCNNBatchSize() int {
	if c.CNNBatchSize == nil {
		return 32
	}
	return *c.CNNBatchSize
}

// GetFineTune reports whether the CNN gets a second, unfrozen phase.
func (c *TrainConfig) GetFineTune() bool {
	if c.FineTune == nil {
		return false
	}
	return *c.FineTune
}

// GetFineTuneLR returns the learning rate of the fine-tuning phase.
func (c *TrainConfig) GetFineTuneLR() float64 {
	if c.FineTuneLR == nil {
		return 1e-4
	}
	return *c.FineTuneLR
}

// GetDropout returns the CNN dropout rate before the classifier head.
func (c *TrainConfig) GetDropout() float64 {
	if c.Dropout == nil {
		return 0.2
	}
	return *c.Dropout
}

// GetAugmentFlip reports whether CNN batches are randomly mirrored.
func (c *TrainConfig) GetAugmentFlip() bool {
	if c.AugmentFlip == nil {
		return true
	}
	return *c.AugmentFlip
}

// GetAllowClasses returns the parsed allow-list: trimmed, uppercased,
// empty entries removed. An explicitly empty string disables filtering
// and yields nil.
func (c *TrainConfig) GetAllowClasses() []string {
	raw := DefaultAllowClasses
	if c.AllowClasses != nil {
		raw = *c.AllowClasses
	}
	return ParseClassList(raw)
}

// ParseClassList splits a comma separated class list.
func ParseClassList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetModelFile returns the quantized model file name.
func (c *TrainConfig) GetModelFile() string {
	if c.ModelFile == nil || *c.ModelFile == "" {
		return "gesture_frame_mlp.qnn"
	}
	return *c.ModelFile
}

// GetLabelsFile returns the label manifest file name.
func (c *TrainConfig) GetLabelsFile() string {
	if c.LabelsFile == nil || *c.LabelsFile == "" {
		return "labels.json"
	}
	return *c.LabelsFile
}

// GetWorkdir returns the directory artifacts and downloads are written to.
func (c *TrainConfig) GetWorkdir() string {
	if c.Workdir == nil || *c.Workdir == "" {
		return filepath.Join("tools", "work")
	}
	return *c.Workdir
}

// GetDatabase returns the run ledger path; empty disables the ledger.
func (c *TrainConfig) GetDatabase() string {
	if c.Database == nil {
		return ""
	}
	return *c.Database
}

// Helper functions to create pointers, used by flag overrides and tests.
func PtrInt(v int) *int             { return &v }
func PtrUint64(v uint64) *uint64    { return &v }
func PtrFloat64(v float64) *float64 { return &v }
func PtrBool(v bool) *bool          { return &v }
func PtrString(v string) *string    { return &v }
