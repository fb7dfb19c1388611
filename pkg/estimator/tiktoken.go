package estimator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/guido-cesarano/batchq/pkg/logger"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const fallbackEncoding = "cl100k_base"

// o200kModels use o200k_base, which the embedded offline ranks do not include.
// They are counted with cl100k_base.
var o200kModels = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

var loaderOnce sync.Once

// Tiktoken counts tokens with an OpenAI BPE encoding.
// The BPE ranks are embedded, so no network access is needed.
type Tiktoken struct {
	name string
	enc  *tiktoken.Tiktoken
}

// NewTiktoken returns the encoder used by model. Models outside the gpt family
// and o200k_base models fall back to cl100k_base.
func NewTiktoken(model string) (*Tiktoken, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	switch {
	case usesO200k(model):
		logger.Log.Info().Str("model", model).Msg("o200k_base ranks are not embedded, counting tokens with " + fallbackEncoding)
	case strings.Contains(model, "gpt"):
		enc, err := tiktoken.EncodingForModel(model)
		if err == nil {
			return &Tiktoken{name: model, enc: enc}, nil
		}
		logger.Log.Warn().Err(err).Str("model", model).Msg("Encoding for model could not be loaded, using " + fallbackEncoding)
	default:
		logger.Log.Warn().Str("model", model).Msg("Token encoding not known for model, using " + fallbackEncoding)
	}

	enc, err := tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fallbackEncoding, err)
	}
	return &Tiktoken{name: fallbackEncoding, enc: enc}, nil
}

func usesO200k(model string) bool {
	for _, prefix := range o200kModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Count implements Encoder.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Name returns the model or encoding the encoder was built for.
func (t *Tiktoken) Name() string {
	return t.name
}
