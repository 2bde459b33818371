package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Limits applied to configuration input. Command templates from a layer end
// up in a shell, so layers are checked before they are parsed.
const (
	maxLayerSize  = 1 << 20
	maxLayerDepth = 32
	maxEnvValue   = 4096
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// readLayer reads one configuration file. The file must be a regular JSON or
// YAML file of bounded size that neither group nor others can write.
func readLayer(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("empty config path")
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(layerExtensions, ext) {
		return nil, fmt.Errorf("%s: only JSON or YAML config files are read", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("%s: not a regular file", path)
	case info.Size() > maxLayerSize:
		return nil, fmt.Errorf("%s: %d bytes exceeds %d", path, info.Size(), maxLayerSize)
	case info.Mode().Perm()&0o022 != 0:
		return nil, fmt.Errorf("%s: writable by group or others (mode %s)", path, info.Mode().Perm())
	}

	return os.ReadFile(path)
}

// checkEnvValue rejects override values that cannot be a sane setting.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s: value of %d bytes exceeds %d", key, len(value), maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s: value contains a NUL byte", key)
	}
	return nil
}

// checkDepth walks the JSON tokens of data and fails when objects or arrays
// nest deeper than maxLayerDepth.
func checkDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxLayerDepth {
				return fmt.Errorf("nesting deeper than %d", maxLayerDepth)
			}
		default:
			depth--
		}
	}
}
