package tlsutil

import (
	"crypto/tls"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/tdswire/pkg/log"
)

// Reloader watches the certificate, key and CA files named in a
// ClientOptions and rebuilds the tls.Config when any of them change on
// disk. Long-lived dialers call Config before each connection so rotated
// certificates take effect without a restart.
type Reloader struct {
	mu sync.RWMutex

	opts   ClientOptions
	config *tls.Config
	logger *log.Logger

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Debouncing: editors and rotation tooling write cert and key as
	// separate events, often with a rename in between. Collect and
	// rebuild once.
	debounceDelay time.Duration
	pendingPaths  map[string]struct{}
	eventTimer    *time.Timer

	onReload func(cfg *tls.Config)
	onError  func(err error)
}

// ReloaderOption configures the reloader.
type ReloaderOption func(*Reloader)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		r.debounceDelay = d
	}
}

// WithOnReload sets a callback invoked after each successful rebuild.
func WithOnReload(fn func(cfg *tls.Config)) ReloaderOption {
	return func(r *Reloader) {
		r.onReload = fn
	}
}

// WithOnError sets a callback for rebuild and watch errors.
func WithOnError(fn func(err error)) ReloaderOption {
	return func(r *Reloader) {
		r.onError = fn
	}
}

// NewReloader builds the initial tls.Config from opts and prepares a
// watcher over the referenced files. Start must be called to begin
// watching.
func NewReloader(opts ClientOptions, logger *log.Logger, ropts ...ReloaderOption) (*Reloader, error) {
	cfg, err := ClientConfig(opts)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	r := &Reloader{
		opts:          opts,
		config:        cfg,
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
		pendingPaths:  make(map[string]struct{}),
	}

	for _, opt := range ropts {
		opt(r)
	}

	return r, nil
}

// Config returns the current tls.Config. Callers must not mutate it.
func (r *Reloader) Config() *tls.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Start begins watching for file changes.
func (r *Reloader) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	// Watch parent directories, not the files: rotation tooling replaces
	// files by rename, which drops a direct file watch.
	dirs := make(map[string]struct{})
	for _, f := range r.watchedFiles() {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := r.fsWatcher.Add(dir); err != nil {
			return err
		}
	}

	r.logger.System().Info("certificate reloader started",
		"ca", r.opts.CAFile,
		"cert", r.opts.CertFile,
	)

	go r.processEvents()

	return nil
}

// Stop stops the watcher.
func (r *Reloader) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	r.logger.System().Info("certificate reloader stopped")

	return r.fsWatcher.Close()
}

// watchedFiles returns the configured file paths, skipping empty ones.
func (r *Reloader) watchedFiles() []string {
	var files []string
	for _, f := range []string{r.opts.CAFile, r.opts.CertFile, r.opts.KeyFile} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

// processEvents handles fsnotify events.
func (r *Reloader) processEvents() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			if r.eventTimer != nil {
				r.eventTimer.Stop()
			}
			return

		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			r.logger.System().Error("certificate watcher error", err)
			if r.onError != nil {
				r.onError(err)
			}
		}
	}
}

// handleEvent processes a single fsnotify event with debouncing.
func (r *Reloader) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	// Only care about the configured files.
	name := filepath.Clean(event.Name)
	matched := false
	for _, f := range r.watchedFiles() {
		if filepath.Clean(f) == name {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pendingPaths[name] = struct{}{}

	if r.eventTimer != nil {
		r.eventTimer.Stop()
	}
	r.eventTimer = time.AfterFunc(r.debounceDelay, r.rebuild)
}

// rebuild reloads the tls.Config from disk after a debounced batch of
// changes.
func (r *Reloader) rebuild() {
	r.mu.Lock()
	changed := len(r.pendingPaths)
	r.pendingPaths = make(map[string]struct{})
	r.mu.Unlock()

	if changed == 0 {
		return
	}

	cfg, err := ClientConfig(r.opts)
	if err != nil {
		r.logger.System().Error("certificate reload failed", err)
		if r.onError != nil {
			r.onError(err)
		}
		return
	}

	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()

	r.logger.System().Info("certificates reloaded",
		"files", changed,
	)

	if r.onReload != nil {
		r.onReload(cfg)
	}
}

// IsRunning returns whether the reloader is currently watching.
func (r *Reloader) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}
