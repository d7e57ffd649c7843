package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
)

// fileBackend reads mounted secret files, such as Kubernetes secret volumes.
// Relative paths are joined onto the configured base directory.
type fileBackend struct {
	base string
}

func newFileBackend(_ context.Context, cfg config.SecretsConfig) (Backend, error) {
	return &fileBackend{base: cfg.FileBasePath}, nil
}

func (f *fileBackend) Fetch(_ context.Context, ref Ref) (map[string]string, error) {
	target := ref.Path
	if !filepath.IsAbs(target) && f.base != "" {
		target = filepath.Join(f.base, target)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", target, err)
	}
	return decodeDocument(content), nil
}

func (f *fileBackend) Close() error { return nil }

// decodeDocument treats a flat JSON object as a key/value document and
// anything else as a single value.
func decodeDocument(raw []byte) map[string]string {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		doc := make(map[string]string, len(obj))
		for k, v := range obj {
			if s, ok := v.(string); ok {
				doc[k] = s
				continue
			}
			doc[k] = fmt.Sprint(v)
		}
		return doc
	}
	return map[string]string{"value": strings.TrimSpace(string(raw))}
}
