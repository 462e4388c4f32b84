package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileSource is a Source backed by a YAML document. Nested mappings are
// flattened into dotted keys:
//
//	redirect:
//	  default_landing_page: https://app.example.com/
//
// resolves "redirect.default_landing_page".
type FileSource struct {
	*MapSource
	path    string
	watcher *fsnotify.Watcher
	log     *logrus.Logger
	done    chan struct{}
}

// NewFileSource loads path once. Call Watch to pick up later edits.
func NewFileSource(path string, log *logrus.Logger) (*FileSource, error) {
	if log == nil {
		log = logrus.New()
	}
	fs := &FileSource{
		MapSource: NewMapSource(nil),
		path:      path,
		log:       log,
	}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the file and atomically replaces all keys
func (fs *FileSource) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("failed to read config source %s: %w", fs.path, err)
	}
	values, err := ParseYAMLSource(data)
	if err != nil {
		return fmt.Errorf("failed to parse config source %s: %w", fs.path, err)
	}
	fs.replace(values)
	return nil
}

// Watch reloads the file whenever it is written or recreated. Editors that
// replace files atomically are handled by watching the parent directory.
func (fs *FileSource) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", fs.path, err)
	}
	fs.watcher = watcher
	fs.done = make(chan struct{})

	go func() {
		defer close(fs.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(fs.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := fs.Reload(); err != nil {
					fs.log.WithError(err).Warn("Failed to reload config source")
					continue
				}
				fs.log.WithField("path", fs.path).Info("Reloaded config source")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fs.log.WithError(err).Warn("Config source watcher error")
			}
		}
	}()
	return nil
}

// Close stops watching
func (fs *FileSource) Close() error {
	if fs.watcher == nil {
		return nil
	}
	err := fs.watcher.Close()
	<-fs.done
	return err
}

// ParseYAMLSource flattens a YAML document into dotted keys
func ParseYAMLSource(data []byte) (map[string]string, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case string:
			out[key] = val
		case bool:
			out[key] = strconv.FormatBool(val)
		case int:
			out[key] = strconv.Itoa(val)
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}
