/*
Copyright 2025 The TrainCore Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package progress writes the training progression status file that job
// orchestrators probe to surface step counts and metrics without attaching
// to the training process.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/utils/clock"
)

const (
	// StatusFileName is the name of the file where training progression
	// status is written.
	StatusFileName = "training_progression.json"

	// StatusFilePath is the default path where the status file is written.
	StatusFilePath = "/tmp/training_progression.json"

	// StatusFilePathEnv is the environment variable to override the
	// status file path.
	StatusFilePathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"
)

// FileFormat is the JSON structure of the progression status file. Field
// names are a compatibility contract with the orchestrator reading the file.
type FileFormat struct {
	// CurrentStep is the current training step/iteration.
	CurrentStep *int64 `json:"current_step,omitempty"`

	// TotalSteps is the total number of training steps/iterations.
	TotalSteps *int64 `json:"total_steps,omitempty"`

	// Message provides additional information about the training progression.
	Message string `json:"message,omitempty"`

	// Metrics contains training metrics (loss, learning_rate, etc.).
	Metrics map[string]interface{} `json:"metrics,omitempty"`

	// Timestamp is the Unix timestamp when this status was written.
	Timestamp int64 `json:"timestamp"`

	// StartTime is the Unix timestamp when training started (for ETA
	// calculation).
	StartTime *int64 `json:"start_time,omitempty"`
}

// FilePath returns the progression file path, checking the environment
// variable first.
func FilePath() string {
	if envPath := os.Getenv(StatusFilePathEnv); envPath != "" {
		return envPath
	}
	return StatusFilePath
}

// Writer publishes progression status to a file, atomically per write.
type Writer struct {
	path      string
	clock     clock.PassiveClock
	startTime int64
}

// NewWriter builds a writer targeting path (FilePath() when empty).
func NewWriter(path string, cl clock.PassiveClock) *Writer {
	if path == "" {
		path = FilePath()
	}
	return &Writer{path: path, clock: cl, startTime: cl.Now().Unix()}
}

// Write publishes the current step, total steps, a free-form message and the
// metric values of the last logging interval.
func (w *Writer) Write(currentStep, totalSteps int64, message string, metricValues map[string]float64) error {
	status := FileFormat{
		CurrentStep: &currentStep,
		TotalSteps:  &totalSteps,
		Message:     message,
		Timestamp:   w.clock.Now().Unix(),
		StartTime:   &w.startTime,
	}
	if len(metricValues) > 0 {
		status.Metrics = make(map[string]interface{}, len(metricValues))
		for k, v := range metricValues {
			status.Metrics[k] = v
		}
	}

	content, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal progression status: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), StatusFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp status file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish status file: %w", err)
	}
	return nil
}
