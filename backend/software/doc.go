// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package software provides the pure Go compute device.
//
// # Overview
//
// The software device keeps memory in host slices and executes every queue
// on its own goroutine, strictly in enqueue order. Kernels are native Go
// functions run over the 2-D global range, split across worker goroutines
// row by row. It needs no GPU, no driver and no CGO, and is the reference
// the WebGPU device is tested against.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/vision/backend/software"
//	    "github.com/born-ml/vision/device"
//	)
//
//	func main() {
//	    reg, err := device.NewRegistry(software.New(software.WithWorkers(4)))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer reg.Close()
//	}
package software
