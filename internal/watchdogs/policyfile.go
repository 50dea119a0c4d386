package watchdogs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// LoadPolicyFile reads a YAML policy file and validates it.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("security: read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("security: parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

type policyWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func (pw *policyWatcher) stop() {
	pw.watcher.Close()
	<-pw.done
}

// WatchPolicyFile loads the policy from path immediately and then keeps
// it in sync with edits to the file until OnDetach. An edit that fails to
// load or validate is logged and ignored; the previous policy stays in
// force.
func (w *SecurityWatchdog) WatchPolicyFile(path string) error {
	p, err := LoadPolicyFile(path)
	if err != nil {
		return err
	}
	if err := w.SetPolicy(p); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("security: watch policy file: %w", err)
	}

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("security: watch policy file: %w", err)
	}

	pw := &policyWatcher{watcher: watcher, done: make(chan struct{})}
	w.watch = pw

	go func() {
		defer close(pw.done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				p, err := LoadPolicyFile(path)
				if err != nil {
					L_warn("security: policy reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				if err := w.SetPolicy(p); err != nil {
					L_warn("security: reloaded policy invalid, keeping previous", "path", path, "error", err)
					continue
				}
				L_info("security: policy reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("security: policy watcher error", "error", err)
			}
		}
	}()

	L_info("security: watching policy file", "path", path)
	return nil
}
