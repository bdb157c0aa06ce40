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

// Package transfer implements upload/download into a kernel's working
// directory and output truncation, per SPEC_FULL.md §10.4: features
// spec.md §1 calls out of scope for the coordinator itself but present
// in the original (an ipybox.resources.files analogue) and worth
// carrying as a plain collaborator on the KernelGateway's HTTP
// surface, grounded on the multipart handler idiom of
// _examples/kadirpekel-hector/a2a/server.go.
package transfer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Config configures a Handler.
type Config struct {
	// BaseDir holds one working-directory subtree per kernel ID.
	BaseDir string
	// MaxOutputBytes is stored with the Handler's configuration; the
	// upload/download routes do not read it, and TruncateOutput takes
	// its limit as an argument instead.
	MaxOutputBytes int
}

// Handler serves file upload/download routes scoped by kernel ID.
type Handler struct {
	cfg Config
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Mount registers the handler's routes under r, matching the
// KernelGateway's {id}-scoped admin surface.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/kernels/{id}/files/{name}", h.handleUpload)
	r.Get("/api/kernels/{id}/files/{name}", h.handleDownload)
}

func (h *Handler) kernelDir(kernelID string) (string, error) {
	if strings.Contains(kernelID, "..") || strings.ContainsAny(kernelID, "/\\") {
		return "", fmt.Errorf("invalid kernel id")
	}
	return filepath.Join(h.cfg.BaseDir, kernelID), nil
}

func safeName(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return name, nil
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	kernelID := chi.URLParam(r, "id")
	name, err := safeName(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dir, err := h.kernelDir(kernelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, fmt.Sprintf("create kernel dir: %v", err), http.StatusInternalServerError)
		return
	}

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		http.Error(w, fmt.Sprintf("create file: %v", err), http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	written, err := io.Copy(dst, r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("write file: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"name":%q,"bytes":%d}`, name, written)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	kernelID := chi.URLParam(r, "id")
	name, err := safeName(chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dir, err := h.kernelDir(kernelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, f)
}

// TruncateOutput caps s at maxBytes, appending the original's
// "output truncated after N chars" suffix, per spec.md §9's
// collaborator-concern note. maxBytes<=0 disables truncation.
func TruncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return fmt.Sprintf("%s\n... output truncated after %d chars", s[:maxBytes], maxBytes)
}
