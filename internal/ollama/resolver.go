package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("model not found in ollama store")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir is $OLLAMA_MODELS, or ~/.ollama/models.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Reference names a model as [registry/][namespace/]name[:tag].
type Reference struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func ParseReference(s string) (Reference, error) {
	r := Reference{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return r, fmt.Errorf("empty model reference")
	}
	path := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		path, r.Tag = s[:i], s[i+1:]
		if r.Tag == "" {
			return r, fmt.Errorf("empty tag in model reference %q", s)
		}
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return r, fmt.Errorf("malformed model reference %q", s)
		}
	}
	switch len(parts) {
	case 1:
		r.Name = parts[0]
	case 2:
		r.Namespace, r.Name = parts[0], parts[1]
	case 3:
		r.Registry, r.Namespace, r.Name = parts[0], parts[1], parts[2]
	default:
		return r, fmt.Errorf("malformed model reference %q", s)
	}
	return r, nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Namespace, r.Name, r.Tag)
}

func (r Reference) manifestPath(dir string) string {
	return filepath.Join(dir, "manifests", r.Registry, r.Namespace, r.Name, r.Tag)
}

// Resolve returns the GGUF blob of ref inside an ollama models directory.
func Resolve(dir, ref string) (string, error) {
	r, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(r.manifestPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s", ErrNotFound, r)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("failed to parse manifest for %s: %w", r, err)
	}
	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%w: manifest for %s has no model layer", ErrNotFound, r)
	}

	// blobs are stored as sha256-<hex>
	blob := filepath.Join(dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("%w: blob %s: %v", ErrNotFound, blob, err)
	}
	return blob, nil
}

// ResolveModelPath resolves ref against ModelsDir.
func ResolveModelPath(ref string) (string, error) {
	dir, err := ModelsDir()
	if err != nil {
		return "", err
	}
	return Resolve(dir, ref)
}
