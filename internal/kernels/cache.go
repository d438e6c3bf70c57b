// Package kernels compiles compute programs once per device and option string
// and provides the dispatch helpers every filter uses.
package kernels

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/logging"
)

// key identifies one compiled program variant.
type key struct {
	backend string
	program string
	options string
}

// entry is a program variant and the kernels created from it. The build runs
// once; concurrent requesters block on it and share the outcome.
type entry struct {
	once sync.Once
	prog device.Program
	err  error

	mu      sync.RWMutex
	kernels map[string]device.Kernel
}

// Cache compiles each program once per device and option string.
//
// A Cache is constructed explicitly and shared by every filter instance that
// should reuse compiled programs. Thread safety: Cache is safe for concurrent
// use.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry

	builds atomic.Int64
	hits   atomic.Int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[key]*entry)}
}

// Program returns the compiled variant of src for opts on the registry's
// device, compiling it on first use. A failed build is cached too: the same
// variant fails the same way and is not retried.
func (c *Cache) Program(reg *device.Registry, src *device.Source, opts device.BuildOptions) (device.Program, error) {
	e := c.entry(reg, src, opts)
	return e.prog, e.err
}

// Kernel returns the named kernel of the compiled variant.
func (c *Cache) Kernel(reg *device.Registry, src *device.Source, opts device.BuildOptions, name string) (device.Kernel, error) {
	e := c.entry(reg, src, opts)
	if e.err != nil {
		return nil, e.err
	}

	e.mu.RLock()
	k, ok := e.kernels[name]
	e.mu.RUnlock()
	if ok {
		return k, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.kernels[name]; ok {
		return k, nil
	}
	k, err := e.prog.Kernel(name)
	if err != nil {
		return nil, err
	}
	e.kernels[name] = k
	return k, nil
}

func (c *Cache) entry(reg *device.Registry, src *device.Source, opts device.BuildOptions) *entry {
	k := key{backend: reg.Backend().ID(), program: src.Name, options: opts.String()}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if e, ok = c.entries[k]; !ok {
			e = &entry{kernels: make(map[string]device.Kernel)}
			c.entries[k] = e
		}
		c.mu.Unlock()
	}
	if ok {
		c.hits.Add(1)
	}

	e.once.Do(func() {
		c.builds.Add(1)
		e.prog, e.err = reg.Build(src, opts)
		log := logging.Logger()
		if e.err != nil {
			log.Error("program build failed", "program", src.Name, "options", k.options, "error", e.err)
			return
		}
		log.Debug("program built", "program", src.Name, "options", k.options, "device", reg.Name())
	})
	return e
}

// Stats reports cache activity.
type Stats struct {
	Programs int   // Cached variants, including failed builds.
	Builds   int64 // Compilations performed.
	Hits     int64 // Lookups served by an existing entry.
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{Programs: n, Builds: c.builds.Load(), Hits: c.hits.Load()}
}

// Release drops every cached program. Kernels obtained earlier must not be
// dispatched afterwards.
func (c *Cache) Release() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[key]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		// Wait out a build still in flight before releasing its result.
		e.once.Do(func() { e.err = errors.New("released before build") })
		if e.prog != nil {
			e.prog.Release()
		}
	}
}
