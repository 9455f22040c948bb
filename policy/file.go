//
// Tencent is pleased to support the open source community by making trpc-methodcache-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-methodcache-go/log"
)

// fileConfig mirrors the on-disk configuration layout:
//
//	MethodCache:
//	  Defaults:
//	    Duration: "00:05:00"
//	    Tags: [all]
//	    KeyGenerator: fasthash
//	  Services:
//	    UserService.GetUser:
//	      Duration: PT1H
//	      Version: 2
//	    UserService:
//	      Methods:
//	        GetProfile:
//	          Duration: 30m
//	          Tags: [users]
type fileConfig struct {
	MethodCache struct {
		Defaults *fileEntry           `yaml:"Defaults"`
		Services map[string]fileEntry `yaml:"Services"`
	} `yaml:"MethodCache"`
}

type fileEntry struct {
	Duration     string               `yaml:"Duration"`
	Sliding      string               `yaml:"SlidingExpiration"`
	Tags         []string             `yaml:"Tags"`
	Version      *int                 `yaml:"Version"`
	Enabled      *bool                `yaml:"Enabled"`
	KeyGenerator string               `yaml:"KeyGenerator"`
	Methods      map[string]fileEntry `yaml:"Methods"`
}

// FileSource loads policy fragments from a YAML file at PriorityFile and
// re-reads it when the file changes on disk. A snapshot that fails to parse
// is ignored and the previous snapshot is retained.
type FileSource struct {
	path string

	mu        sync.RWMutex
	fragments map[string]Fragment
	lastErr   error

	changes chan Change
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
}

// FileOption configures a FileSource.
type FileOption func(*fileOptions)

type fileOptions struct {
	watch bool
}

// WithFileWatch enables hot reload through fsnotify. Enabled by default.
func WithFileWatch(on bool) FileOption {
	return func(o *fileOptions) { o.watch = on }
}

// NewFileSource reads the file at path and, unless disabled, watches it for
// changes. The initial load must succeed; later reload failures keep the
// previous snapshot.
func NewFileSource(path string, opts ...FileOption) (*FileSource, error) {
	options := fileOptions{watch: true}
	for _, opt := range opts {
		opt(&options)
	}

	s := &FileSource{
		path:    path,
		changes: make(chan Change, 16),
		stopCh:  make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	if options.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("policy: create file watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("policy: watch %s: %w", path, err)
		}
		s.watcher = watcher
		go s.watchLoop()
	}
	return s, nil
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Priority implements Source.
func (s *FileSource) Priority() int { return PriorityFile }

// Snapshot implements Source.
func (s *FileSource) Snapshot() (map[string]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fragments == nil {
		return nil, s.lastErr
	}
	out := make(map[string]Fragment, len(s.fragments))
	for k, v := range s.fragments {
		out[k] = v
	}
	return out, nil
}

// Watch implements Source.
func (s *FileSource) Watch() <-chan Change { return s.changes }

// Close stops the file watcher.
func (s *FileSource) Close() error {
	var err error
	s.stopped.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileSource) watchLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				log.Errorf("policy: reload %s failed, keeping previous snapshot: %v", s.path, err)
				continue
			}
			log.Infof("policy: reloaded %s", s.path)
			select {
			case s.changes <- Change{All: true}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("policy: watcher error for %s: %v", s.path, err)
		}
	}
}

func (s *FileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", s.path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &ConfigError{Source: s.Name(), Detail: "unparsable yaml", Err: err}
	}

	fragments := make(map[string]Fragment)
	if cfg.MethodCache.Defaults != nil {
		f, err := cfg.MethodCache.Defaults.fragment()
		if err != nil {
			return fmt.Errorf("policy: %s Defaults: %w", s.path, err)
		}
		fragments[Wildcard] = f
	}
	for id, entry := range cfg.MethodCache.Services {
		if len(entry.Methods) > 0 {
			for method, me := range entry.Methods {
				f, err := me.fragment()
				if err != nil {
					return fmt.Errorf("policy: %s Services.%s.Methods.%s: %w", s.path, id, method, err)
				}
				fragments[id+"."+method] = f
			}
			continue
		}
		f, err := entry.fragment()
		if err != nil {
			return fmt.Errorf("policy: %s Services.%s: %w", s.path, id, err)
		}
		fragments[id] = f
	}

	s.mu.Lock()
	s.fragments = fragments
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

func (e fileEntry) fragment() (Fragment, error) {
	var f Fragment
	if e.Duration != "" {
		d, err := ParseDuration(e.Duration)
		if err != nil {
			return Fragment{}, err
		}
		f.Duration = &d
	}
	if e.Sliding != "" {
		d, err := ParseDuration(e.Sliding)
		if err != nil {
			return Fragment{}, err
		}
		f.Sliding = &d
	}
	if len(e.Tags) > 0 {
		f.Tags = append([]string(nil), e.Tags...)
	}
	if e.Version != nil {
		v := *e.Version
		f.Version = &v
	}
	if e.Enabled != nil {
		on := *e.Enabled
		f.Enabled = &on
	}
	if e.KeyGenerator != "" {
		g := e.KeyGenerator
		f.KeyGenerator = &g
	}
	return f, nil
}
