// run.go: Append standard input to a rolling file
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agilira/argus"
	"github.com/agilira/mneme"
	"github.com/spf13/cobra"
)

// runOptions tunes run.
type runOptions struct {
	watch   bool
	poll    time.Duration // argus poll interval, 0 for its default
	timeout time.Duration

	// reloaded, when set, is called after every reload attempt.
	reloaded func(err error)
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Append each line of standard input as a record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, path, cmd.InOrStdin(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "reload the appender when the configuration file changes")
	cmd.Flags().DurationVar(&opts.poll, "poll-interval", 0, "how often --watch checks the configuration file (default 5s)")
	cmd.Flags().DurationVar(&opts.timeout, "stop-timeout", mneme.DefaultStopTimeout, "time allowed for pending rollovers on exit")
	return cmd
}

// holder swaps the running appender on reload.
type holder struct {
	mu      sync.RWMutex
	app     *mneme.Appender
	stopped bool
	timeout time.Duration
}

func (h *holder) append(line []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.app.Append(mneme.Record{Time: time.Now(), Data: line})
}

// replace starts next and stops the previous appender. After stop, next
// is stopped right away.
func (h *holder) replace(next *mneme.Appender) error {
	if err := next.Start(); err != nil {
		_ = next.Stop(h.timeout)
		return err
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return next.Stop(h.timeout)
	}
	prev := h.app
	h.app = next
	h.mu.Unlock()
	if prev != nil {
		return prev.Stop(h.timeout)
	}
	return nil
}

func (h *holder) stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.app == nil {
		return nil
	}
	return h.app.Stop(h.timeout)
}

func loadAppender(path string) (*mneme.Appender, error) {
	cfg, err := mneme.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	return mneme.New(cfg)
}

// syncWriter serializes writes from the reader loop and the watcher.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func run(ctx context.Context, path string, in io.Reader, errOut io.Writer, opts runOptions) error {
	errOut = &syncWriter{w: errOut}
	first, err := loadAppender(path)
	if err != nil {
		return err
	}
	h := &holder{timeout: opts.timeout}
	if err := h.replace(first); err != nil {
		return err
	}

	if opts.watch {
		var initial atomic.Bool
		initial.Store(true)
		reload := func() error {
			next, err := loadAppender(path)
			if err != nil {
				// Keep writing with the previous configuration.
				return err
			}
			return h.replace(next)
		}
		w, err := argus.UniversalConfigWatcherWithConfig(path, func(map[string]interface{}) {
			// argus delivers the current file once on start; it is already loaded.
			if initial.CompareAndSwap(true, false) {
				return
			}
			err := reload()
			if err != nil {
				fmt.Fprintf(errOut, "mneme: reload %s: %v\n", path, err)
			}
			if opts.reloaded != nil {
				opts.reloaded(err)
			}
		}, argus.Config{
			PollInterval: opts.poll,
			ErrorHandler: func(err error, file string) {
				fmt.Fprintf(errOut, "mneme: watch %s: %v\n", file, err)
			},
		})
		if err != nil {
			_ = h.stop()
			return fmt.Errorf("watch %s: %w", path, err)
		}
		defer func() { _ = w.Stop() }()
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			b := sc.Bytes()
			line := make([]byte, len(b)+1)
			copy(line, b)
			line[len(b)] = '\n'
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return h.stop()
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if stopErr := h.stop(); stopErr != nil {
					return stopErr
				}
				return err
			}
			if err := h.append(line); err != nil {
				fmt.Fprintf(errOut, "mneme: %v\n", err)
			}
		}
	}
}
