// Package contextwatch watches a project's instruction context — AGENTS.md
// files along the project chain and .agents/skills skill directories — and
// notifies a callback when any of them change, so cached catalogs can be
// invalidated without polling.
package contextwatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kousw/codelia/internal/logging"
)

// Kind classifies what changed.
type Kind string

const (
	KindAgents Kind = "agents"
	KindSkills Kind = "skills"
)

// Notify receives one change notification. Called from the watcher's own
// goroutine; implementations must not block for long.
type Notify func(kind Kind, path string)

// Watcher monitors the AGENTS/SKILLS context of a project chain.
type Watcher struct {
	watcher *fsnotify.Watcher
	notify  Notify
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher builds a watcher over chainDirs (project root down to the
// working directory). Each chain directory is watched for AGENTS.md
// changes; each existing .agents/skills tree is watched for SKILL.md
// changes. Directories that do not exist yet are skipped.
func NewWatcher(chainDirs []string, notify Notify) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	for _, dir := range chainDirs {
		if addDir(w, dir) {
			watched++
		}
		skillsRoot := filepath.Join(dir, ".agents", "skills")
		entries, err := os.ReadDir(skillsRoot)
		if err != nil {
			continue
		}
		addDir(w, skillsRoot)
		for _, e := range entries {
			if e.IsDir() {
				addDir(w, filepath.Join(skillsRoot, e.Name()))
			}
		}
	}
	logging.Debug().Int("dirs", watched).Msg("context watcher initialized")

	return &Watcher{
		watcher: w,
		notify:  notify,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

func addDir(w *fsnotify.Watcher, dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return w.Add(dir) == nil
}

// Start begins delivering notifications.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if kind, relevant := classify(ev.Name); relevant {
				// A new skill directory appearing under a watched skills
				// root needs its own watch for the SKILL.md inside it.
				if ev.Op&fsnotify.Create != 0 {
					addDir(w.watcher, ev.Name)
				}
				w.notify(kind, ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("context watcher error")
		}
	}
}

// classify decides whether a changed path affects the instruction context.
func classify(path string) (Kind, bool) {
	base := filepath.Base(path)
	sep := string(filepath.Separator)
	switch {
	case base == "AGENTS.md":
		return KindAgents, true
	case base == "SKILL.md",
		strings.Contains(path, sep+".agents"+sep+"skills"+sep):
		return KindSkills, true
	}
	return "", false
}

// Stop stops the watcher and waits for its goroutine to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
