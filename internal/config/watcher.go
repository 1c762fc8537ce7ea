package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file for changes and updates runtime tunables
// that are safe to change without a restart.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
	mu          sync.RWMutex
	onReload    func()
}

// NewWatcher creates a watcher over the .env file next to the working directory.
func NewWatcher(config *Config) (*Watcher, error) {
	envPath := ".env"
	if dir := os.Getenv("SCANNER_DATA_DIR"); dir != "" {
		envPath = filepath.Join(dir, ".env")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   config,
		envPath:  envPath,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// SetReloadCallback sets the function invoked after a successful reload.
func (w *Watcher) SetReloadCallback(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = callback
}

// Start begins watching the env file's directory.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

// Reload manually triggers a config reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reloadConfig()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce - wait for the write to complete
				time.Sleep(100 * time.Millisecond)
				log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
				w.reloadConfig()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stat, err := os.Stat(w.envPath); err == nil {
				if stat.ModTime().After(w.lastModTime) {
					log.Info().Msg("Detected .env file change via polling")
					w.lastModTime = stat.ModTime()
					w.reloadConfig()
				}
			}
		case <-w.stopChan:
			return
		}
	}
}

// reloadConfig re-reads runtime-safe tunables from the .env file. Connection
// strings and credentials still require a restart.
func (w *Watcher) reloadConfig() {
	w.mu.Lock()
	callback := w.onReload

	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		w.mu.Unlock()
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	var changes []string
	applyInt := func(key string, dst *int) {
		v, ok := envMap[key]
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return
		}
		if *dst != n {
			*dst = n
			changes = append(changes, key)
		}
	}

	applyInt("SCAN_BATCH_SIZE", &w.config.ScanBatchSize)
	applyInt("MATCHING_BATCH_SIZE", &w.config.MatchingBatchSize)
	applyInt("FACE_DETECTION_CHUNK_SIZE", &w.config.FaceDetectionChunkSize)
	applyInt("FACE_DETECTION_MAX_CHUNKS", &w.config.FaceDetectionMaxChunks)
	applyInt("CIVITAI_MAX_PAGES", &w.config.CivitaiMaxPages)
	applyInt("DEVIANTART_MAX_PAGES", &w.config.DeviantartMaxPages)
	w.mu.Unlock()

	if len(changes) > 0 {
		log.Info().Strs("changes", changes).Msg("Applied .env changes to runtime config")
		if callback != nil {
			go callback()
		}
	} else {
		log.Debug().Msg("No runtime-safe changes detected in .env file")
	}
}
