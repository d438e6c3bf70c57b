//go:build windows

package webgpu

import (
	"fmt"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/naga"

	"github.com/born-ml/vision/internal/device"
)

// Build compiles every WGSL kernel of src specialised by opts into a compute
// pipeline. Each module is compiled by naga first so that malformed shaders
// fail with a build log instead of a driver abort.
func (b *Backend) Build(src *device.Source, opts device.BuildOptions) (device.Program, error) {
	if src == nil || len(src.WGSL) == 0 {
		name := "<nil>"
		if src != nil {
			name = src.Name
		}
		return nil, &device.Error{Op: "build " + name, Status: device.StatusInvalidProgram, Err: fmt.Errorf("no WGSL kernels")}
	}

	specialised := opts.DefineInt("WORKGROUP_SIZE", workgroupSize)
	p := &program{name: src.Name, opts: opts, kernels: make(map[string]*kernel, len(src.WGSL))}
	for _, name := range src.Kernels() {
		code, _ := src.WGSLModule(name, specialised)
		if _, err := naga.Compile(code); err != nil {
			p.Release()
			return nil, &device.Error{
				Op:     "build " + src.Name,
				Status: device.StatusBuildProgramFailure,
				Log:    fmt.Sprintf("%s.%s [%s]: %v", src.Name, name, opts, err),
			}
		}

		shader := b.device.CreateShaderModuleWGSL(code)
		if shader == nil {
			p.Release()
			return nil, &device.Error{Op: "build " + src.Name, Status: device.StatusBuildProgramFailure, Log: name + ": shader module rejected"}
		}
		pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")
		if pipeline == nil {
			shader.Release()
			p.Release()
			return nil, &device.Error{Op: "build " + src.Name, Status: device.StatusBuildProgramFailure, Log: name + ": pipeline rejected"}
		}
		p.kernels[name] = &kernel{name: name, shader: shader, pipeline: pipeline}
	}
	return p, nil
}

type program struct {
	name    string
	opts    device.BuildOptions
	kernels map[string]*kernel
}

func (p *program) Kernel(name string) (device.Kernel, error) {
	k, ok := p.kernels[name]
	if !ok {
		return nil, device.NewError("kernel "+name, device.StatusInvalidKernelName, fmt.Errorf("not in program %s", p.name))
	}
	return k, nil
}

func (p *program) Options() device.BuildOptions { return p.opts }

func (p *program) Release() {
	for name, k := range p.kernels {
		k.pipeline.Release()
		k.shader.Release()
		delete(p.kernels, name)
	}
}

type kernel struct {
	name     string
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (k *kernel) Name() string           { return k.name }
func (k *kernel) PreferredMultiple() int { return workgroupSize }
func (k *kernel) MaxWorkGroupSize() int  { return workgroupSize }
