// Package models resolves model files named in the MODELS setting to local
// paths, using the platform's shared cache, a local model directory, or a
// download from the model registry.
package models

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultRegistryURL is the base URL downloads are fetched from.
	DefaultRegistryURL = "https://huggingface.co"

	// DefaultCacheDir is the platform-provided model cache.
	DefaultCacheDir = "/runpod-volume/huggingface-cache/hub"

	// DefaultModelDir is where downloaded models are kept.
	DefaultModelDir = "/models"

	defaultDownloadTimeout = 2 * time.Hour
)

// Source says where a model was found.
type Source string

const (
	SourceCache    Source = "cache"
	SourceLocal    Source = "local"
	SourceDownload Source = "download"
)

// Spec is one MODELS entry.
type Spec struct {
	Repo string
	File string
}

// Name is the key a resolved model is stored under: the file's base name.
func (s Spec) Name() string { return path.Base(s.File) }

// Model is a resolved model file.
type Model struct {
	Spec
	Path   string
	Source Source
}

// Map is a set of resolved models keyed by Name.
type Map map[string]Model

// Paths returns name -> absolute path.
func (m Map) Paths() map[string]string {
	out := make(map[string]string, len(m))
	for name, model := range m {
		out[name] = model.Path
	}
	return out
}

// Names returns the model names in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse reads a MODELS value: "repo:file,repo:file". Whitespace around
// entries is trimmed; entries without a colon or with an empty side are
// skipped.
func Parse(value string) []Spec {
	var specs []Spec
	for _, entry := range strings.Split(value, ",") {
		repo, file, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			continue
		}
		repo, file = strings.TrimSpace(repo), strings.TrimSpace(file)
		if repo == "" || file == "" {
			continue
		}
		specs = append(specs, Spec{Repo: repo, File: file})
	}
	return specs
}

// Resolver finds or fetches model files.
type Resolver struct {
	CacheDir    string
	ModelDir    string
	RegistryURL string
	Token       string
	Client      *http.Client
	Logger      *slog.Logger
}

// NewResolver returns a Resolver with defaults for empty settings.
func NewResolver(cacheDir, modelDir string, logger *slog.Logger) *Resolver {
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	if modelDir == "" {
		modelDir = DefaultModelDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		CacheDir:    cacheDir,
		ModelDir:    modelDir,
		RegistryURL: DefaultRegistryURL,
		Client:      &http.Client{Timeout: defaultDownloadTimeout},
		Logger:      logger,
	}
}

// ResolveAll resolves every spec. It stops at the first failure.
func (r *Resolver) ResolveAll(ctx context.Context, specs []Spec) (Map, error) {
	if err := os.MkdirAll(r.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("create model directory: %w", err)
	}

	r.Logger.Info("resolving models", "count", len(specs))
	out := make(Map, len(specs))
	for _, spec := range specs {
		model, err := r.Resolve(ctx, spec)
		if err != nil {
			return nil, err
		}
		out[spec.Name()] = model
	}
	return out, nil
}

// Locate finds spec in the platform cache or the model directory without
// downloading. ok is false when a download would be needed.
func (r *Resolver) Locate(spec Spec) (model Model, ok bool, err error) {
	if p, found := r.cached(spec); found {
		return Model{Spec: spec, Path: p, Source: SourceCache}, true, nil
	}

	local, err := r.localPath(spec)
	if err != nil {
		return Model{}, false, err
	}
	if info, err := os.Stat(local); err == nil && info.Mode().IsRegular() {
		return Model{Spec: spec, Path: local, Source: SourceLocal}, true, nil
	}
	return Model{Spec: spec, Path: local}, false, nil
}

// Resolve checks the platform cache, then the model directory, then
// downloads the file into the model directory.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (Model, error) {
	model, ok, err := r.Locate(spec)
	if err != nil {
		return Model{}, err
	}
	if ok {
		r.Logger.Info("model found", "model", spec.Name(), "source", string(model.Source))
		return model, nil
	}
	local := model.Path

	r.Logger.Info("model cache miss, downloading", "model", spec.Name(), "repo", spec.Repo)
	start := time.Now()
	n, err := r.download(ctx, spec, local)
	if err != nil {
		return Model{}, fmt.Errorf("download %s/%s: %w", spec.Repo, spec.File, err)
	}
	r.Logger.Info("model downloaded", "model", spec.Name(), "bytes", n, "duration", time.Since(start).String())
	return Model{Spec: spec, Path: local, Source: SourceDownload}, nil
}

// cached looks for CacheDir/models--org--name/snapshots/<first>/file.
func (r *Resolver) cached(spec Spec) (string, bool) {
	if r.CacheDir == "" {
		return "", false
	}
	root := filepath.Join(r.CacheDir, "models--"+strings.ReplaceAll(spec.Repo, "/", "--"), "snapshots")
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	full := filepath.Join(root, entries[0].Name(), filepath.FromSlash(spec.File))
	if _, err := os.Stat(full); err != nil {
		return "", false
	}
	return full, true
}

func (r *Resolver) localPath(spec Spec) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(spec.File))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("model file %q escapes the model directory", spec.File)
	}
	abs, err := filepath.Abs(filepath.Join(r.ModelDir, rel))
	if err != nil {
		return "", fmt.Errorf("model path: %w", err)
	}
	return abs, nil
}

func (r *Resolver) download(ctx context.Context, spec Spec, dest string) (int64, error) {
	u, err := r.fileURL(spec)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("registry returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return n, fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return n, fmt.Errorf("sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close model: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return n, fmt.Errorf("rename model into place: %w", err)
	}
	committed = true
	return n, nil
}

func (r *Resolver) fileURL(spec Spec) (string, error) {
	base := r.RegistryURL
	if base == "" {
		base = DefaultRegistryURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse registry URL: %w", err)
	}
	return u.JoinPath(spec.Repo, "resolve", "main", spec.File).String(), nil
}

// Checksum returns the blake3 hex digest of the file at p.
func Checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
