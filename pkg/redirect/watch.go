package redirect

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// PolicyWatcher reloads a policy file into a PolicyResolver on change. An
// invalid edit is logged and the previous policy stays active.
type PolicyWatcher struct {
	path     string
	resolver *PolicyResolver
	watcher  *fsnotify.Watcher
	log      *logrus.Logger
	done     chan struct{}
}

// WatchPolicyFile starts watching path. The parent directory is watched so
// atomic replace-by-rename edits are seen.
func WatchPolicyFile(path string, resolver *PolicyResolver, log *logrus.Logger) (*PolicyWatcher, error) {
	if log == nil {
		log = logrus.New()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w := &PolicyWatcher{
		path:     path,
		resolver: resolver,
		watcher:  watcher,
		log:      log,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *PolicyWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Redirect policy watcher error")
		}
	}
}

func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicyFile(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Warn("Keeping previous redirect policy")
		return
	}
	w.resolver.Set(policy)
	w.log.WithFields(logrus.Fields{
		"path":  w.path,
		"rules": len(policy.Rules),
	}).Info("Reloaded redirect policy")
}

// Close stops watching
func (w *PolicyWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
