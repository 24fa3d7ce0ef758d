//go:build NODOWNLOAD

package deepsparse

import "errors"

type DownloadOptions struct {
	AuthToken             string
	SkipSha               bool
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
	RequireTokenizer      bool
}

func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{Branch: "main", MaxRetries: 5, RetryInterval: 5, ConcurrentConnections: 5}
}

func DownloadModel(_ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("model downloading is disabled, build without the NODOWNLOAD tag to enable it")
}
