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

// Package sandbox provides a Docker-backed kernel.Process, isolating
// each interpreter kernel inside its own container instead of running
// it as a direct child of the gateway. Grounded on the container
// lifecycle idiom of
// _examples/uzukizheng-trpc-agent-go/codeexecutor/container/container.go,
// adapted from one-shot exec-per-code-block to a single long-lived
// attached process that speaks the kernel wire protocol over its
// stdio, matching kernel.Process's contract.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	dockernat "github.com/docker/go-connections/nat"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
)

// Config configures the sandbox kernel.ProcessFactory.
type Config struct {
	// Image is the Docker image containing the kernel runtime.
	Image string
	// Command is the in-container command that starts the kernel,
	// reading execute_request frames on stdin and writing reply
	// frames on stdout.
	Command []string
	// Host overrides the Docker daemon endpoint; empty uses the
	// environment (DOCKER_HOST, etc.).
	Host string
	// NetworkDisabled isolates the container from the network, per
	// spec.md §4.1's sandboxing requirement. The zero value (false)
	// leaves the container on the bridge network.
	NetworkDisabled bool
	// Memory caps container memory in bytes; 0 means unlimited.
	Memory int64
}

func (c Config) withDefaults() Config {
	if len(c.Command) == 0 {
		c.Command = []string{"python3", "-m", "ipykernel_launcher", "--protocol-stdio"}
	}
	return c
}

// Factory builds sandboxed kernel.Process instances sharing one
// Docker client.
type Factory struct {
	cfg    Config
	client *client.Client
	log    *slog.Logger
}

// NewFactory connects to the Docker daemon and returns a Factory whose
// Process method satisfies kernel.ProcessFactory.
func NewFactory(cfg Config) (*Factory, error) {
	cfg = cfg.withDefaults()

	var opts []client.Opt
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	opts = append(opts, client.WithAPIVersionNegotiation())

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Factory{cfg: cfg, client: cli, log: logger.Get().With("component", "sandbox")}, nil
}

// Process satisfies kernel.ProcessFactory.
func (f *Factory) Process(kernelID string, env map[string]string) kernel.Process {
	return &dockerProcess{
		factory:  f,
		kernelID: kernelID,
		env:      env,
		in:       make(chan kernel.Message, 64),
		out:      make(chan kernel.Message, 64),
	}
}

// Close releases the underlying Docker client connection.
func (f *Factory) Close() error { return f.client.Close() }

type dockerProcess struct {
	factory     *Factory
	kernelID    string
	env         map[string]string
	containerID string

	in  chan kernel.Message
	out chan kernel.Message

	mu sync.Mutex
}

func (p *dockerProcess) In() chan<- kernel.Message  { return p.in }
func (p *dockerProcess) Out() <-chan kernel.Message { return p.out }

func (p *dockerProcess) Start(ctx context.Context) error {
	cfg := p.factory.cfg
	cli := p.factory.client

	envList := make([]string, 0, len(p.env))
	for k, v := range p.env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:     cfg.Image,
		Cmd:       cfg.Command,
		Env:       envList,
		Tty:       false,
		OpenStdin: true,
		StdinOnce: false,
		Labels:    map[string]string{"kernelbroker.kernel_id": p.kernelID},
	}

	networkMode := container.NetworkMode("bridge")
	if cfg.NetworkDisabled {
		networkMode = container.NetworkMode("none")
	}

	hostCfg := &container.HostConfig{
		AutoRemove:   true,
		NetworkMode:  networkMode,
		PortBindings: dockernat.PortMap{},
	}
	if cfg.Memory > 0 {
		hostCfg.Resources = container.Resources{Memory: cfg.Memory}
	}

	name := fmt.Sprintf("kernelbroker-kernel-%s", p.kernelID)
	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create kernel container: %w", err)
	}
	p.containerID = resp.ID

	if err := cli.ContainerStart(ctx, p.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start kernel container: %w", err)
	}

	attach, err := cli.ContainerAttach(ctx, p.containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("attach kernel container: %w", err)
	}

	go p.writeLoop(attach.Conn)
	go p.readLoop(attach.Reader)

	return nil
}

func (p *dockerProcess) writeLoop(w io.WriteCloser) {
	defer w.Close()
	enc := json.NewEncoder(w)
	for msg := range p.in {
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

func (p *dockerProcess) readLoop(r io.Reader) {
	defer close(p.out)

	stdoutR, stdoutW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, io.Discard, r)
	}()

	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var msg kernel.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		p.out <- msg
	}
}

// InstallPackage execs pip inside the kernel's own container, out of
// band from the attached stdio stream, per SPEC_FULL.md §10.1.
func (p *dockerProcess) InstallPackage(ctx context.Context, spec string) (string, error) {
	p.mu.Lock()
	containerID := p.containerID
	p.mu.Unlock()
	if containerID == "" {
		return "", fmt.Errorf("sandbox container not started")
	}

	cli := p.factory.client
	execResp, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"pip", "install", "--no-input", spec},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create pip install exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("attach pip install exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return buf.String(), fmt.Errorf("read pip install output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return buf.String(), fmt.Errorf("inspect pip install exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return buf.String(), fmt.Errorf("pip install %s: exit code %d", spec, inspect.ExitCode)
	}
	return buf.String(), nil
}

func (p *dockerProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.containerID == "" {
		return fmt.Errorf("sandbox container not started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.factory.client.ContainerKill(ctx, p.containerID, "SIGINT")
}

func (p *dockerProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.containerID == "" {
		return nil
	}
	close(p.in)
	timeout := 10
	return p.factory.client.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeout})
}
