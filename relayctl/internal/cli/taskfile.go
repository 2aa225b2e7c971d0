package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/you-humble/genrelay/core/relayapi"

	"gopkg.in/yaml.v3"
)

// taskEntry is a task as written in a task file. References are local
// paths that get inlined as base64 reference files.
type taskEntry struct {
	relayapi.TaskSpec `yaml:",inline"`
	References        []string `yaml:"references"`
}

type taskFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

// loadTaskFile reads YAML or JSON: a {tasks: [...]} document, a bare list,
// or a single task. Relative reference paths resolve against the file.
func loadTaskFile(path string) ([]relayapi.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	entries, err := parseTaskFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resolve(entries, filepath.Dir(path))
}

func parseTaskFile(data []byte) ([]taskEntry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty task file")
	}
	node := doc.Content[0]

	switch node.Kind {
	case yaml.SequenceNode:
		var entries []taskEntry
		if err := node.Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
		return entries, nil
	case yaml.MappingNode:
		if hasKey(node, "tasks") {
			var f taskFile
			if err := node.Decode(&f); err != nil {
				return nil, fmt.Errorf("decode tasks: %w", err)
			}
			return f.Tasks, nil
		}
		var e taskEntry
		if err := node.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		return []taskEntry{e}, nil
	default:
		return nil, errors.New("task file must hold a task, a list of tasks or a tasks document")
	}
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

func resolve(entries []taskEntry, baseDir string) ([]relayapi.TaskSpec, error) {
	specs := make([]relayapi.TaskSpec, 0, len(entries))
	for i, e := range entries {
		spec := e.TaskSpec
		for _, ref := range e.References {
			if !filepath.IsAbs(ref) {
				ref = filepath.Join(baseDir, ref)
			}
			rf, err := referenceFile(ref)
			if err != nil {
				return nil, fmt.Errorf("task %d: %w", i+1, err)
			}
			spec.ReferenceFiles = append(spec.ReferenceFiles, rf)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func referenceFile(path string) (relayapi.ReferenceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return relayapi.ReferenceFile{}, fmt.Errorf("reference %s: %w", path, err)
	}
	return relayapi.ReferenceFile{
		FileName: filepath.Base(path),
		Base64:   base64.StdEncoding.EncodeToString(data),
		FileType: mime.TypeByExtension(filepath.Ext(path)),
	}, nil
}
