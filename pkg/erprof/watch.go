// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package erprof

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/erprof/pkg/experiment"
)

// watchDebounce collapses bursts of log writes into one reopen.
const watchDebounce = 250 * time.Millisecond

// Watch follows an experiment that is still being recorded. The experiment
// is reopened after every change of its log and passed to fn if anything
// read from it changed, until it opens successfully or ctx is done. The
// directory may appear after Watch is called.
func (s *Session) Watch(ctx context.Context, path string, fn func(*experiment.Experiment)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.RetryNotify(func() error {
		return watcher.Add(path)
	}, b, func(err error, next time.Duration) {
		level.Debug(s.logger).Log("msg", "experiment directory not ready", "path", path, "retry", next, "err", err)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	var last uint64
	open := func() bool {
		e := s.Open(ctx, path)
		if d := e.Digest(); d != last {
			last = d
			fn(e)
		} else {
			level.Debug(s.logger).Log("msg", "experiment unchanged", "path", path)
		}
		return e.Status() == experiment.Success
	}
	if open() {
		return nil
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != experiment.LogFile {
				continue
			}
			if debounce == nil && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				debounce = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(s.logger).Log("msg", "error watching experiment", "path", path, "err", err)
		case <-debounce:
			debounce = nil
			if open() {
				return nil
			}
		}
	}
}
