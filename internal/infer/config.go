// SPDX-License-Identifier: MIT

package infer

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/kestrelvision/kestrel-go/internal/errclass"
)

// FileConfig is the subset of detector settings a config file can
// carry. The file is a flat key-value text format: `key=value` lines,
// `#`/`;` comments, and `[section]` headers which are ignored. Dashes
// and underscores in keys are interchangeable.
type FileConfig struct {
	ModelPath           string
	ConfidenceThreshold float64
	NMSThreshold        float64
	BatchSize           uint
	UniqueID            uint
	ProcessMode         uint

	HasModelPath  bool
	HasConfidence bool
	HasNMS        bool
	HasBatchSize  bool
	HasUniqueID   bool
	HasProcessMode bool
}

// ParseConfigFile reads a detector configuration file. On any error
// nothing is returned, so callers can apply the result atomically.
func ParseConfigFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindIo, err, "opening config file %s", path)
	}
	defer f.Close()

	cfg := &FileConfig{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			continue
		}
		key, value, found := strings.Cut(text, "=")
		if !found {
			return nil, errclass.New(errclass.KindConfiguration, "%s:%d: expected key=value, got %q", path, line, text)
		}
		key = strings.ReplaceAll(strings.TrimSpace(key), "-", "_")
		value = strings.TrimSpace(value)

		switch key {
		case "model_path", "model_file", "onnx_file":
			cfg.ModelPath = value
			cfg.HasModelPath = true
		case "pre_cluster_threshold", "confidence_threshold":
			v, err := parseUnitInterval(value)
			if err != nil {
				return nil, errclass.Wrap(errclass.KindConfiguration, err, "%s:%d: %s", path, line, key)
			}
			cfg.ConfidenceThreshold = v
			cfg.HasConfidence = true
		case "nms_iou_threshold", "nms_threshold":
			v, err := parseUnitInterval(value)
			if err != nil {
				return nil, errclass.Wrap(errclass.KindConfiguration, err, "%s:%d: %s", path, line, key)
			}
			cfg.NMSThreshold = v
			cfg.HasNMS = true
		case "batch_size":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, errclass.Wrap(errclass.KindConfiguration, err, "%s:%d: batch_size", path, line)
			}
			cfg.BatchSize = uint(v)
			cfg.HasBatchSize = true
		case "unique_id", "gie_unique_id":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, errclass.Wrap(errclass.KindConfiguration, err, "%s:%d: unique_id", path, line)
			}
			cfg.UniqueID = uint(v)
			cfg.HasUniqueID = true
		case "process_mode":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || (v != 1 && v != 2) {
				return nil, errclass.New(errclass.KindConfiguration, "%s:%d: process_mode must be 1 or 2", path, line)
			}
			cfg.ProcessMode = uint(v)
			cfg.HasProcessMode = true
		default:
			// Unknown keys are tolerated so files written for richer
			// inference elements still load.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errclass.Wrap(errclass.KindIo, err, "reading config file %s", path)
	}
	return cfg, nil
}

func parseUnitInterval(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, errclass.New(errclass.KindConfiguration, "value %v outside [0,1]", v)
	}
	return v, nil
}
