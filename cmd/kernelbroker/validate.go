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

package main

import (
	"fmt"

	"github.com/kernelbroker/kernelbroker/internal/config"
)

// ValidateCmd loads and reports on a configuration file without
// starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}

	loader := config.NewLoader(cli.Config, false)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("config OK: kernel gateway %s:%d, tool server %s:%d, approval required=%v\n",
		cfg.KernelGateway.Host, cfg.KernelGateway.Port,
		cfg.ToolServer.Host, cfg.ToolServer.Port,
		cfg.ToolServer.ApprovalRequired)
	return nil
}
