// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reloads the config file whenever it changes on disk and hands each
// successfully parsed result to onReload. Editors often replace the file
// instead of writing in place, so the parent directory is watched and
// events are filtered by name. The returned stop function releases the
// watcher.
func Watch(configFile string, onReload func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(configFile)
	if err = watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(configFile)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("Config file changed (%s), reloading...", event.Name)
					time.Sleep(100 * time.Millisecond)
					cfg, loadErr := LoadConfig(configFile)
					if loadErr != nil {
						log.Errorf("Failed to reload config: %v", loadErr)
						continue
					}
					onReload(cfg)
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Config watcher error: %v", watchErr)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
