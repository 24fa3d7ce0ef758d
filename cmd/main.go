package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/dnth/deepsparse"
	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/pipelines"
	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/fileutil"
	"github.com/dnth/deepsparse/util/imageutil"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a pipeline on input data",
	Description: `Run expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"input": "input string"} to be processed.
				For the yolo pipeline the input string is the path of an image.
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: model name or path to the .onnx model to load. The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model
				with this name in the model folder. Finally, try to download the model from Huggingface and use it.
				--type: pipeline type. Currently implemented types are: textClassification (only single label) and yolo
				--config: yaml file with any of the flags, lower cased. Flags can also be set with DEEPSPARSE_<FLAG> environment variables.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "model", Usage: "Path to the model", Aliases: []string{"p"}},
		&cli.StringFlag{Name: "input", Usage: "Path to the input data", Aliases: []string{"i"}},
		&cli.StringFlag{Name: "output", Usage: "Path to output", Aliases: []string{"o"}},
		&cli.StringFlag{Name: "type", Usage: "Pipeline type", Aliases: []string{"t"}},
		&cli.StringFlag{Name: "backend", Usage: "Inference backend, ORT or GO (default ORT)"},
		&cli.StringFlag{Name: "onnxruntimeSharedLibrary", Usage: "Path to the folder holding the onnxruntime library", Aliases: []string{"s"}},
		&cli.StringFlag{Name: "modelFolder", Usage: "Folder where to store downloaded models. Falls back to $HOME/deepsparse/models if not specified", Aliases: []string{"f"}},
		&cli.StringFlag{Name: "classNames", Usage: "yolo labels: coco or the path of a .json file (default coco)"},
		&cli.StringFlag{Name: "modelConfig", Usage: "yolo model yaml with the anchors of models exported without box decoding"},
		&cli.Float64Flag{Name: "iouThreshold", Usage: "yolo non-max suppression IoU threshold (default 0.25)"},
		&cli.Float64Flag{Name: "confThreshold", Usage: "yolo confidence threshold (default 0.45)"},
		&cli.IntFlag{Name: "batchSize", Usage: "Number of inputs to process in a batch (default 20)", Aliases: []string{"b"}},
		&cli.IntFlag{Name: "workers", Usage: "Number of batches processed concurrently (default 1)", Aliases: []string{"w"}},
		&cli.StringFlag{Name: "config", Usage: "Path to a yaml config file", Aliases: []string{"c"}},
		&cli.StringFlag{Name: "logLevel", Usage: "Log level: debug, info, warn or error (default info)"},
	},
	Action: func(ctx *cli.Context) (err error) {
		config, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		setupLogger(config.LogLevel)

		session, err := newSession(config)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()

		modelPath, err := resolveModel(ctx.Context, config)
		if err != nil {
			return err
		}
		run, err := newRunner(session, config, modelPath)
		if err != nil {
			return err
		}
		return runPipeline(ctx.Context, config, run)
	},
}

func main() {
	app := &cli.App{
		Name:     "deepsparse",
		Usage:    "Text classification and YOLO object detection pipelines from the command line",
		Commands: []*cli.Command{runCommand},
	}
	checks.CheckWithMessage(app.Run(os.Args), "run failed")
}

func setupLogger(level string) {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	} else {
		log.DefaultLogger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	log.DefaultLogger.SetLevel(log.ParseLevel(level))
}

func newSession(config runConfig) (*deepsparse.Session, error) {
	opts := []options.WithOption{options.WithModelsDir(config.ModelFolder)}
	if config.Backend == "GO" {
		return deepsparse.NewGoSession(opts...)
	}
	if config.OnnxRuntimeSharedLibrary != "" {
		opts = append(opts, options.WithOnnxLibraryPath(config.OnnxRuntimeSharedLibrary))
	}
	return deepsparse.NewORTSession(opts...)
}

// resolveModel returns the path of the model: the given path, a previously downloaded model of
// that name, or a fresh download.
func resolveModel(ctx context.Context, config runConfig) (string, error) {
	exists, err := fileutil.FileExists(config.Model)
	if err != nil || exists {
		return config.Model, err
	}
	downloaded := fileutil.PathJoinSafe(config.ModelFolder, deepsparse.ModelDirName(config.Model))
	if exists, err = fileutil.FileExists(downloaded); err != nil || exists {
		return downloaded, err
	}
	if fileutil.GetPathType(config.ModelFolder) != "os" {
		return "", fmt.Errorf("model %s not found and models can only be downloaded to a local folder, got %s", config.Model, config.ModelFolder)
	}
	if err = fileutil.CreateFile(config.ModelFolder, true); err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	downloadOptions := deepsparse.NewDownloadOptions()
	downloadOptions.RequireTokenizer = config.Type == "textClassification"
	log.Info().Str("model", config.Model).Str("destination", config.ModelFolder).Msg("downloading model")
	return deepsparse.DownloadModel(config.Model, config.ModelFolder, downloadOptions)
}

// runner runs one batch of input strings through a pipeline.
type runner func(inputs []string) (backends.PipelineBatchOutput, error)

func newRunner(session *deepsparse.Session, config runConfig, modelPath string) (runner, error) {
	switch config.Type {
	case "textClassification":
		p, err := deepsparse.NewPipeline(session, deepsparse.TextClassificationConfig{ModelPath: modelPath, Name: "cliPipeline"})
		if err != nil {
			return nil, err
		}
		return p.Run, nil
	case "yolo":
		yoloOptions := []deepsparse.YOLOOption{
			pipelines.WithClassNames(pipelines.ParseClassNameSource(config.ClassNames)),
			pipelines.WithPostprocessWorkers(config.Workers),
		}
		if config.ModelConfig != "" {
			yoloOptions = append(yoloOptions, pipelines.WithModelConfig(config.ModelConfig))
		}
		p, err := deepsparse.NewPipeline(session, deepsparse.YOLOConfig{ModelPath: modelPath, Name: "cliPipeline", Options: yoloOptions})
		if err != nil {
			return nil, err
		}
		return yoloRunner(p, config.IouThreshold, config.ConfThreshold), nil
	default:
		return nil, fmt.Errorf("pipeline type %s not implemented", config.Type)
	}
}

func yoloRunner(p *pipelines.YOLOPipeline, iouThreshold, confThreshold float64) runner {
	return func(inputs []string) (backends.PipelineBatchOutput, error) {
		input := pipelines.YOLOInput{
			Images:        make([]imageutil.Image, len(inputs)),
			IouThreshold:  iouThreshold,
			ConfThreshold: confThreshold,
		}
		for i, path := range inputs {
			input.Images[i] = imageutil.ImageFromPath(path)
		}
		return p.RunPipeline(input)
	}
}

func runPipeline(ctx context.Context, config runConfig, run runner) (err error) {
	inputChannel := make(chan []input, 1000)
	processedChannel := make(chan []byte, 1000)
	errorsChannel := make(chan error, 1000)
	var processedWg, writeWg sync.WaitGroup

	for range config.Workers {
		processedWg.Add(1)
		go processWithPipeline(&processedWg, inputChannel, processedChannel, errorsChannel, run)
	}

	var writer io.WriteCloser = nopCloser{os.Stdout}
	if config.Output != "" {
		dest := fileutil.PathJoinSafe(config.Output, "result-0.jsonl")
		if writer, err = fileutil.NewFileWriter(dest, "application/jsonl"); err != nil {
			return err
		}
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()

	var failed int
	writeWg.Add(1)
	go func() {
		failed = writeOutputs(&writeWg, processedChannel, errorsChannel, writer)
	}()

	readErr := readAllInputs(ctx, config, inputChannel)
	close(inputChannel)
	processedWg.Wait()
	close(processedChannel)
	close(errorsChannel)
	writeWg.Wait()

	if readErr != nil {
		return readErr
	}
	if failed > 0 {
		return fmt.Errorf("%d batches failed", failed)
	}
	return nil
}

func readAllInputs(ctx context.Context, config runConfig, inputChannel chan []input) error {
	if config.Input == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			return readInputs(os.Stdin, inputChannel, config.BatchSize)
		}
		return nil
	}

	exists, err := fileutil.FileExists(config.Input)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", config.Input)
	}
	fileWalker := func(_ context.Context, _, _ string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
		if filepath.Ext(info.Name()) == ".jsonl" {
			if err = readInputs(reader, inputChannel, config.BatchSize); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if filepath.Ext(config.Input) == ".jsonl" {
		file, openErr := fileutil.OpenFile(config.Input)
		if openErr != nil {
			return openErr
		}
		return errors.Join(readInputs(file, inputChannel, config.BatchSize), fileutil.CloseFile(file))
	}
	return fileutil.WalkDir()(ctx, config.Input, fileWalker)
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.Writer) int {
	defer wg.Done()
	failed := 0
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			if _, err := writeTarget.Write(append(output, '\n')); err != nil {
				log.Error().Err(err).Msg("writing output")
				failed++
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			log.Error().Err(err).Msg("processing batch")
			failed++
		}
	}
	return failed
}

func processWithPipeline(wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, errorsChannel chan error, run runner) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		inputStrings := make([]string, len(inputBatch))
		for i := range inputBatch {
			inputStrings[i] = inputBatch[i].Input
		}
		output, err := run(inputStrings)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for i, batchOutput := range output.GetOutput() {
			out := inputBatch[i]
			out.Output = batchOutput
			outputBytes, marshallErr := jsoniter.Marshal(out)
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
}

func readInputs(inputSource io.Reader, inputChannel chan []input, batchSize int) error {
	inputBatch := make([]input, 0, batchSize)
	reader := bufio.NewReader(inputSource)
	for {
		lineBytes, err := fileutil.ReadLine(reader)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(lineBytes) > 0 {
			var line input
			if unmarshalErr := jsoniter.Unmarshal(lineBytes, &line); unmarshalErr != nil {
				return unmarshalErr
			}
			inputBatch = append(inputBatch, line)
			if len(inputBatch) == batchSize {
				inputChannel <- inputBatch
				inputBatch = make([]input, 0, batchSize)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	// flush
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return nil
}

type input struct {
	Input  string `json:"input"`
	Output any    `json:"output"`
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
