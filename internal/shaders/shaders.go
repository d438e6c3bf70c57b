// Package shaders compiles every WGSL kernel variant the filters can request
// into SPIR-V ahead of time and records the result in a manifest.
//
// A variant is one kernel of one program specialised by one option string.
// The background subtraction program contributes one variant per combination
// of its feature toggles; the other filters have a single variant each.
package shaders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/vision/internal/blur"
	"github.com/born-ml/vision/internal/chromakey"
	"github.com/born-ml/vision/internal/device"
	"github.com/born-ml/vision/internal/logging"
	"github.com/born-ml/vision/internal/subsense"
)

// ManifestFile is the manifest name inside an output directory.
const ManifestFile = "manifest.yaml"

// ErrChecksumMismatch is returned by Verify when a compiled file changed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Compiler turns a WGSL module into SPIR-V.
type Compiler func(wgsl string) ([]byte, error)

// Unit is one kernel variant.
type Unit struct {
	Program string
	Kernel  string
	Options device.BuildOptions
	Code    string
}

// File returns the output file name of u. The option string is hashed to keep
// names short.
func (u Unit) File() string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(u.Options.String()))
	return fmt.Sprintf("%s_%s_%08x.spv", u.Program, u.Kernel, h.Sum32())
}

// toggles are the subsense feature switches that select a program variant.
var toggles = []func(*subsense.Config, bool){
	func(c *subsense.Config, v bool) { c.Texture = v },
	func(c *subsense.Config, v bool) { c.Adaptive = v },
	func(c *subsense.Config, v bool) { c.Ghost = v },
	func(c *subsense.Config, v bool) { c.Exclusion = v },
	func(c *subsense.Config, v bool) { c.L2 = v },
	func(c *subsense.Config, v bool) { c.Linear = v },
}

// Units enumerates the variants for cfg at the given work-group size: every
// toggle combination of the subsense program with cfg's sizes, then the blur
// and chroma key programs.
func Units(cfg subsense.Config, workgroupSize int) ([]Unit, error) {
	if workgroupSize <= 0 {
		return nil, device.Usage("shader units", device.ErrInvalidConfig, "work-group size %d", workgroupSize)
	}
	var units []Unit
	add := func(src *device.Source, opts device.BuildOptions) {
		opts = opts.DefineInt("WORKGROUP_SIZE", workgroupSize)
		for _, k := range src.Kernels() {
			code, _ := src.WGSLModule(k, opts)
			units = append(units, Unit{Program: src.Name, Kernel: k, Options: opts, Code: code})
		}
	}

	for mask := range 1 << len(toggles) {
		c := cfg
		for i, set := range toggles {
			set(&c, mask&(1<<i) != 0)
		}
		if c.Texture && c.TextureKernel == 0 {
			c.TextureKernel = subsense.DefaultConfig().TextureKernel
		}
		add(subsense.Program, c.BuildOptions())
	}
	add(blur.Program, device.BuildOptions{})
	add(chromakey.Program, device.BuildOptions{})
	return units, nil
}

// Entry describes one compiled variant.
type Entry struct {
	Program string `yaml:"program"`
	Kernel  string `yaml:"kernel"`
	Options string `yaml:"options"`
	File    string `yaml:"file"`
	Size    int    `yaml:"size"`
	SHA256  string `yaml:"sha256"`
}

// Manifest lists the compiled variants of an output directory.
type Manifest struct {
	WorkgroupSize int     `yaml:"workgroup_size"`
	Entries       []Entry `yaml:"entries"`
}

// Build compiles units with up to workers concurrent compilations (GOMAXPROCS
// when workers <= 0), writes one file per unit plus the manifest into dir and
// returns the manifest. The first compile error cancels the rest.
func Build(ctx context.Context, dir string, units []Unit, compile Compiler, workers int) (*Manifest, error) {
	if compile == nil {
		return nil, device.Usage("build shaders", device.ErrInvalidConfig, "no compiler")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("build shaders: %w", err)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	seen := make(map[string]Unit, len(units))
	for _, u := range units {
		if prev, dup := seen[u.File()]; dup {
			return nil, device.Usage("build shaders", device.ErrInvalidConfig,
				"%s.%s [%s] and [%s] map to %s", u.Program, u.Kernel, prev.Options, u.Options, u.File())
		}
		seen[u.File()] = u
	}

	entries := make([]Entry, len(units))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			spv, err := compile(u.Code)
			if err != nil {
				return fmt.Errorf("compile %s.%s [%s]: %w", u.Program, u.Kernel, u.Options, err)
			}
			if err := os.WriteFile(filepath.Join(dir, u.File()), spv, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", u.File(), err)
			}
			sum := sha256.Sum256(spv)
			entries[i] = Entry{
				Program: u.Program,
				Kernel:  u.Kernel,
				Options: u.Options.String(),
				File:    u.File(),
				Size:    len(spv),
				SHA256:  hex.EncodeToString(sum[:]),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].File < entries[j].File })
	m := &Manifest{Entries: entries}
	if len(units) > 0 {
		if v, ok := units[0].Options.Value("WORKGROUP_SIZE"); ok {
			_, _ = fmt.Sscan(v, &m.WorkgroupSize)
		}
	}
	if err := m.write(filepath.Join(dir, ManifestFile)); err != nil {
		return nil, err
	}
	logging.Logger().Info("shaders compiled", "dir", dir, "variants", len(entries))
	return m, nil
}

func (m *Manifest) write(path string) error {
	f, err := os.Create(path) //nolint:gosec // G304: output directory chosen by the user
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	return f.Close()
}

// ReadManifest loads the manifest of dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // G304: directory chosen by the user
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return &m, nil
}

// Verify checks every file listed in the manifest of dir against its recorded
// size and checksum.
func Verify(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, e := range m.Entries {
		data, err := os.ReadFile(filepath.Join(dir, e.File)) //nolint:gosec // G304: listed in the manifest
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sum := sha256.Sum256(data)
		if len(data) != e.Size || hex.EncodeToString(sum[:]) != e.SHA256 {
			errs = append(errs, fmt.Errorf("%s: %w", e.File, ErrChecksumMismatch))
		}
	}
	return m, errors.Join(errs...)
}
