//go:build !NODOWNLOAD

package deepsparse

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	hfd "github.com/bodaay/HuggingFaceModelDownloader/hfdownloader"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	SkipSha               bool
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
	// RequireTokenizer rejects repositories without a tokenizer.json. Detection models have none.
	RequireTokenizer bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel can be used to download a model directly from huggingface. Before the model is downloaded,
// validation occurs to ensure there is an .onnx file (and a tokenizer.json if required).
func DownloadModel(modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := path.Join(destination, ModelDirName(modelName))
	repoName, _, _ := strings.Cut(modelName, ":")

	if err := validateDownloadHfModel(repoName, options); err != nil {
		return "", err
	}

	var err error
	for i := 0; i < max(options.MaxRetries, 1); i++ {
		err = hfd.DownloadModel(modelName, false, options.SkipSha, false, destination, options.Branch, options.ConcurrentConnections, options.AuthToken, !options.Verbose)
		if err == nil {
			log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
			return modelPath, nil
		}
		log.Warn().Err(err).Str("model", modelName).Int("attempt", i+1).Int("max_retries", options.MaxRetries).Msg("download attempt failed")
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}
	return "", fmt.Errorf("failed to download %s after %d attempts: %w", modelName, options.MaxRetries, err)
}

type hfFile struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

var hfAPIURL = "https://huggingface.co/api/models"

func validateDownloadHfModel(modelName string, options DownloadOptions) (err error) {
	branch := options.Branch
	if branch == "" {
		branch = "main"
	}
	url := fmt.Sprintf("%s/%s/tree/%s", hfAPIURL, modelName, branch)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if options.AuthToken != "" {
		req.Header.Add("Authorization", "Bearer "+options.AuthToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing files of %s failed with status %s", modelName, resp.Status)
	}

	var files []hfFile
	if err = jsoniter.NewDecoder(resp.Body).Decode(&files); err != nil {
		return fmt.Errorf("reading file list of %s: %w", modelName, err)
	}
	return validateModelFiles(modelName, files, options.RequireTokenizer)
}

func validateModelFiles(modelName string, files []hfFile, requireTokenizer bool) error {
	hasTokenizer, hasOnnx := false, false
	for _, f := range files {
		if f.Type != "file" && f.Type != "" {
			continue
		}
		switch {
		case path.Base(f.Path) == "tokenizer.json":
			hasTokenizer = true
		case path.Ext(f.Path) == ".onnx":
			hasOnnx = true
		}
	}

	var errs []error
	if !hasOnnx {
		errs = append(errs, fmt.Errorf("model %s does not have a .onnx file, only onnx models are supported", modelName))
	}
	if requireTokenizer && !hasTokenizer {
		errs = append(errs, fmt.Errorf("model %s does not have a tokenizer.json file", modelName))
	}
	return errors.Join(errs...)
}
