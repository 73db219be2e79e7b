package runtime

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/sandboxd/sandboxd/internal/engine"
)

// MetricPrefix marks telemetry tokens that ML workloads emit on stderr,
// e.g. SANDBOX_METRIC:peak_memory_mb=412.5
const MetricPrefix = "SANDBOX_METRIC:"

// mlSeedPrelude pins the common RNG sources so repeated runs of the
// same snippet produce comparable numbers.
const mlSeedPrelude = `import random as _sbx_random
_sbx_random.seed(0)
try:
    import numpy as _sbx_np
    _sbx_np.random.seed(0)
except ImportError:
    pass
try:
    import torch as _sbx_torch
    _sbx_torch.manual_seed(0)
except ImportError:
    pass
`

// mlAllowList is the curated set of installable ML libraries.
var mlAllowList = map[string]bool{
	"numpy": true, "pandas": true, "scipy": true, "scikit-learn": true,
	"torch": true, "torchvision": true, "tensorflow": true, "keras": true,
	"xgboost": true, "lightgbm": true, "transformers": true,
	"matplotlib": true, "seaborn": true, "statsmodels": true,
	"jax": true, "onnxruntime": true, "polars": true, "pillow": true,
}

// mlPython delegates to the base Python strategy with a separate
// preloaded image, a deterministic-seed prelude, a curated install
// allow-list, and telemetry parsing.
var mlPython = &Runtime{
	Language:         LangPython,
	Image:            "sandboxd/python-ml:latest",
	PackageManager:   "pip",
	validateAs:       LangPython,
	execute:          executeMLPython,
	install:          installPip,
	recipe:           recipeMLPython,
	installAllowList: mlAllowList,
}

func executeMLPython(ctx context.Context, eng engine.Engine, source string, ec ExecContext) (*Result, error) {
	res, err := executePython(ctx, eng, mlSeedPrelude+source, ec)
	if err != nil {
		return nil, err
	}
	res.Metrics = ParseMetrics(res.Stderr)
	return res, nil
}

// ParseMetrics extracts well-known telemetry tokens from stderr. Lines
// that are not metrics pass through untouched; malformed metric lines
// are ignored.
func ParseMetrics(stderr string) map[string]float64 {
	var metrics map[string]float64
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, MetricPrefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(line, MetricPrefix), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		if metrics == nil {
			metrics = make(map[string]float64)
		}
		metrics[strings.TrimSpace(kv[0])] = val
	}
	return metrics
}

func recipeMLPython(packages []string) string {
	base := []string{"numpy", "pandas", "scikit-learn"}
	return dockerfile("python:3.12-slim",
		pipLine(append(base, packages...)),
	)
}
