package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"fleetguard/agent/internal/logger"
)

// Watch reloads the config file into the store whenever it changes on
// disk. Environment overrides still win on reload. Returns a stop func.
func Watch(st *Store, cfgFile string) (func(), error) {
	log := logger.C("config")

	path := cfgFile
	if path == "" {
		path = filepath.Join(ConfigDir(), "agent.yaml")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				next, warnings, err := Load(cfgFile)
				if err != nil {
					log.Error().Err(err).Msg("config reload rejected, keeping current snapshot")
					continue
				}
				for _, w := range warnings {
					log.Warn().Err(w).Msg("config reload")
				}
				st.Swap(next)
				log.Info().Str("path", path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
