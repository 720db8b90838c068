package manifest

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the manifest set on SIGHUP and on changes to the manifest
// dir, until ctx is cancelled. Reload failures keep the previous set live.
// With no manifest dir (or no usable watcher) it still blocks, reloading on
// SIGHUP only.
func (s *Store) Watch(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var events chan fsnotify.Event
	if s.dir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn().Err(err).Msg("Manifest watcher unavailable; SIGHUP reload only")
		} else {
			defer watcher.Close()
			if err := watcher.Add(s.dir); err != nil {
				log.Warn().Err(err).Str("dir", s.dir).Msg("Cannot watch manifest dir")
			} else {
				events = make(chan fsnotify.Event, 16)
				go func() {
					for {
						select {
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							events <- ev
						case err, ok := <-watcher.Errors:
							if !ok {
								return
							}
							log.Warn().Err(err).Msg("Manifest watcher error")
						}
					}
				}()
			}
		}
	}

	// Editors fire bursts of writes; debounce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("SIGHUP received, reloading manifests")
			s.reloadLogged()
		case ev := <-events:
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case <-pending:
			pending = nil
			s.reloadLogged()
		}
	}
}

func (s *Store) reloadLogged() {
	if err := s.Reload(); err != nil {
		log.Error().Err(err).Msg("Manifest reload failed; keeping previous set")
	}
}
