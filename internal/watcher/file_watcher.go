package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/throttlekit/throttled/internal/config"
)

// defaultDebounce coalesces the burst of events editors emit for one save.
const defaultDebounce = 200 * time.Millisecond

// FileWatcher reloads the policy file into a PolicySet whenever its contents change.
type FileWatcher struct {
	path     string
	set      *PolicySet
	debounce time.Duration

	mu   sync.Mutex
	hash string

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileWatcher constructs a FileWatcher for the policy file at path.
func NewFileWatcher(path string, set *PolicySet) *FileWatcher {
	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		path = abs
	}
	return &FileWatcher{
		path:     filepath.Clean(path),
		set:      set,
		debounce: defaultDebounce,
	}
}

// Start loads the file once and then watches its directory until Stop or ctx is done.
// The directory is watched so atomic replaces by editors are observed.
func (w *FileWatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, errReload := w.Reload(); errReload != nil {
		return errReload
	}

	fsw, errWatcher := fsnotify.NewWatcher()
	if errWatcher != nil {
		return fmt.Errorf("policy file watcher: %w", errWatcher)
	}
	if errAdd := fsw.Add(filepath.Dir(w.path)); errAdd != nil {
		_ = fsw.Close()
		return fmt.Errorf("policy file watcher: watch %s: %w", filepath.Dir(w.path), errAdd)
	}
	w.watcher = fsw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	log.Infof("policy file watcher started (path=%s)", w.path)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *FileWatcher) Stop() error {
	if w == nil || w.cancel == nil {
		return nil
	}
	w.cancel()
	w.wg.Wait()
	w.cancel = nil
	return w.watcher.Close()
}

// Reload re-reads the file and publishes its policies when the contents changed.
func (w *FileWatcher) Reload() (bool, error) {
	data, errRead := os.ReadFile(w.path)
	if errRead != nil {
		return false, fmt.Errorf("policy file watcher: read: %w", errRead)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hash != "" && w.hash == hash {
		return false, nil
	}

	policies, errLoad := config.LoadPolicyFile(w.path)
	if errLoad != nil {
		return false, errLoad
	}
	if errSet := w.set.Set(SourceFile, policies); errSet != nil {
		return false, errSet
	}
	w.hash = hash
	log.WithFields(log.Fields{"path": w.path, "policies": len(policies)}).Info("policy file loaded")
	return true, nil
}

func (w *FileWatcher) run(ctx context.Context) {
	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(errWatch).Warn("policy file watcher: watch error")
		case <-pending:
			pending = nil
			if _, errReload := w.Reload(); errReload != nil {
				log.WithError(errReload).Warn("policy file watcher: reload failed, keeping previous policies")
			}
		}
	}
}
