package engine

import (
	"errors"
	"os"
	"strings"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/ollama"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

var _ model.Model = (*Transformer)(nil)

// Open returns the model and tokenizer named by path. "synthetic" selects the
// seeded character-level model. A path that is not a file is looked up as an
// ollama model reference.
func Open(path string, seed int64) (*Transformer, *tokenizer.Tokenizer, error) {
	if strings.EqualFold(path, config.SyntheticModelName) {
		tok := tokenizer.NewSynthetic()
		m, err := NewSynthetic(config.SyntheticModel(tok.VocabSize()), seed)
		if err != nil {
			return nil, nil, err
		}
		return m, tok, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		resolved, rerr := ollama.ResolveModelPath(path)
		if rerr != nil {
			return nil, nil, errors.Join(err, rerr)
		}
		logger.Log.Info("Resolved ollama model", "model", path, "path", resolved)
		path = resolved
	}

	tok, err := tokenizer.New(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}
