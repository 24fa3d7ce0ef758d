package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/urfave/cli/v2"

	"github.com/dnth/deepsparse/pipelines"
	"github.com/dnth/deepsparse/util/fileutil"
)

const envPrefix = "DEEPSPARSE_"

// runConfig holds the settings of the run command. Keys are the lower cased flag names.
type runConfig struct {
	Model                    string  `koanf:"model"`
	Type                     string  `koanf:"type"`
	Input                    string  `koanf:"input"`
	Output                   string  `koanf:"output"`
	Backend                  string  `koanf:"backend"`
	ModelFolder              string  `koanf:"modelfolder"`
	OnnxRuntimeSharedLibrary string  `koanf:"onnxruntimesharedlibrary"`
	ClassNames               string  `koanf:"classnames"`
	ModelConfig              string  `koanf:"modelconfig"`
	IouThreshold             float64 `koanf:"iouthreshold"`
	ConfThreshold            float64 `koanf:"confthreshold"`
	BatchSize                int     `koanf:"batchsize"`
	Workers                  int     `koanf:"workers"`
	LogLevel                 string  `koanf:"loglevel"`
}

func defaultConfig() map[string]any {
	return map[string]any{
		"backend":       "ORT",
		"classnames":    "coco",
		"iouthreshold":  pipelines.DefaultIouThreshold,
		"confthreshold": pipelines.DefaultConfThreshold,
		"batchsize":     20,
		"workers":       1,
		"loglevel":      "info",
	}
}

// loadConfig merges, in increasing priority, the defaults, the --config yaml file, DEEPSPARSE_
// environment variables and the flags set on the command line.
func loadConfig(ctx *cli.Context) (runConfig, error) {
	var config runConfig
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return config, err
	}
	if configPath := ctx.String("config"); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return config, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return config, err
	}

	flags := map[string]any{}
	for _, flag := range ctx.Command.Flags {
		name := flag.Names()[0]
		if name == "config" || !ctx.IsSet(name) {
			continue
		}
		flags[strings.ToLower(name)] = ctx.Value(name)
	}
	if err := k.Load(confmap.Provider(flags, "."), nil); err != nil {
		return config, err
	}

	if err := k.Unmarshal("", &config); err != nil {
		return config, err
	}
	return config, config.validate()
}

func (c *runConfig) validate() error {
	if c.Model == "" {
		return fmt.Errorf("a model is required, set --model")
	}
	switch c.Type {
	case "textClassification", "yolo":
	case "":
		return fmt.Errorf("a pipeline type is required, set --type")
	default:
		return fmt.Errorf("pipeline type %s not implemented", c.Type)
	}
	if c.Backend != "ORT" && c.Backend != "GO" {
		return fmt.Errorf("backend %s not recognized, use ORT or GO", c.Backend)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("at least one worker is required, got %d", c.Workers)
	}
	if c.ModelFolder == "" {
		userDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.ModelFolder = fileutil.PathJoinSafe(userDir, "deepsparse", "models")
	}
	return nil
}
