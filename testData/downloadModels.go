package main

import (
	"os"

	"github.com/phuslu/log"

	"github.com/dnth/deepsparse"
	"github.com/dnth/deepsparse/util/fileutil"
)

// download the models used by the onnxruntime integration tests.

var models = []string{
	"KnightsAnalytics/distilbert-base-uncased-finetuned-sst-2-english",
}

func main() {
	ok, err := fileutil.FileExists("./models")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot stat models directory")
	}
	if ok {
		return
	}
	if err = os.MkdirAll("./models", os.ModePerm); err != nil {
		log.Fatal().Err(err).Msg("cannot create models directory")
	}
	for _, name := range models {
		options := deepsparse.NewDownloadOptions()
		options.RequireTokenizer = true
		if _, err = deepsparse.DownloadModel(name, "./models", options); err != nil {
			log.Fatal().Err(err).Str("model", name).Msg("download failed")
		}
	}
}
