// Copyright 2025 The Kernelbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kernelbroker runs the kernel execution broker: a
// KernelGateway, ToolServer, and ExecutionCoordinator behind an
// agent-facing HTTP surface.
//
// Usage:
//
//	kernelbroker serve --config kernelbroker.yaml
//	kernelbroker validate --config kernelbroker.yaml
//	kernelbroker version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface, following the
// cmd/hector/main.go layout: one struct field per subcommand, each
// implementing Run.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the kernel gateway, tool server, and agent API."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogJSON  bool   `help:"Emit logs as JSON instead of text."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Printf("kernelbroker version %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("kernelbroker"),
		kong.Description("Kernel execution broker: sandboxed code execution with approval-gated tool calls."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
