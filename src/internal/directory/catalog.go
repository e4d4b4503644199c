package directory

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	DefaultIntegrationTimeoutMs = 15000
	minIntegrationTimeoutMs     = 1000
	maxIntegrationTimeoutMs     = 120000

	maxInlineFileBytes = 50000
)

var allowedMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".xml": true,
	".html": true, ".log": true, ".yaml": true, ".yml": true, ".tsv": true,
}

type catalogData struct {
	Contacts     []Contact     `yaml:"contacts"`
	Integrations []Integration `yaml:"integrations"`
	Roles        []Role        `yaml:"roles"`
	Models       []Model       `yaml:"models"`
	Agents       []Agent       `yaml:"agents"`
	Files        []File        `yaml:"files"`
}

// Catalog is a YAML-backed implementation of every directory interface.
// A missing file yields an empty catalog.
type Catalog struct {
	path     string
	filesDir string
	mu       sync.RWMutex
	data     catalogData
}

func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path, filesDir: filepath.Dir(path)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCatalog builds an in-memory catalog, mostly for tests.
func NewCatalog(contacts []Contact, integrations []Integration, roles []Role, models []Model, agents []Agent, files []File) *Catalog {
	c := &Catalog{}
	c.data = normalizeCatalog(catalogData{
		Contacts:     contacts,
		Integrations: integrations,
		Roles:        roles,
		Models:       models,
		Agents:       agents,
		Files:        files,
	})
	return c
}

func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("catalog file not found, starting empty", "path", c.path)
			c.mu.Lock()
			c.data = catalogData{}
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}
	var data catalogData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	for _, i := range data.Integrations {
		m := strings.ToUpper(strings.TrimSpace(i.Method))
		if m != "" && !allowedMethods[m] {
			return fmt.Errorf("catalog integration %q: invalid method %q", i.Name, i.Method)
		}
	}
	data = normalizeCatalog(data)

	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
	slog.Info("catalog loaded", "path", c.path,
		"contacts", len(data.Contacts), "integrations", len(data.Integrations), "agents", len(data.Agents))
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editor rename-replace saves are seen.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}
	name := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				slog.Error("catalog reload failed", "path", c.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("catalog watcher error", "error", err)
		}
	}
}

func normalizeCatalog(d catalogData) catalogData {
	for i := range d.Contacts {
		ct := &d.Contacts[i]
		ct.Name = strings.TrimSpace(ct.Name)
		ct.Type = ct.Kind()
		ct.Phone = NormalizePhone(ct.Phone)
		ct.GroupID = strings.TrimSpace(ct.GroupID)
	}
	sort.SliceStable(d.Contacts, func(a, b int) bool {
		return strings.ToLower(d.Contacts[a].Name) < strings.ToLower(d.Contacts[b].Name)
	})
	for i := range d.Integrations {
		in := &d.Integrations[i]
		in.Name = strings.TrimSpace(in.Name)
		in.URL = strings.TrimSpace(in.URL)
		in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
		if in.Method == "" {
			in.Method = "GET"
		}
		if in.TimeoutMs < minIntegrationTimeoutMs || in.TimeoutMs > maxIntegrationTimeoutMs {
			in.TimeoutMs = DefaultIntegrationTimeoutMs
		}
	}
	sort.SliceStable(d.Integrations, func(a, b int) bool {
		return strings.ToLower(d.Integrations[a].Name) < strings.ToLower(d.Integrations[b].Name)
	})
	return d
}

func (c *Catalog) GetContact(_ context.Context, id string) (Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ct := range c.data.Contacts {
		if ct.ID == id {
			return ct, nil
		}
	}
	return Contact{}, fmt.Errorf("%w: contact %s", ErrNotFound, id)
}

func (c *Catalog) ListContacts(_ context.Context) ([]Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Contact(nil), c.data.Contacts...), nil
}

func (c *Catalog) GetIntegration(_ context.Context, id string) (Integration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, in := range c.data.Integrations {
		if in.ID == id {
			return in, nil
		}
	}
	return Integration{}, fmt.Errorf("%w: integration %s", ErrNotFound, id)
}

func (c *Catalog) GetIntegrationByName(_ context.Context, name string) (Integration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	want := strings.ToLower(strings.TrimSpace(name))
	for _, in := range c.data.Integrations {
		if strings.ToLower(in.Name) == want {
			return in, nil
		}
	}
	return Integration{}, fmt.Errorf("%w: integration named %q", ErrNotFound, name)
}

func (c *Catalog) ListIntegrations(_ context.Context) ([]Integration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Integration(nil), c.data.Integrations...), nil
}

func (c *Catalog) GetAgent(_ context.Context, id string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.data.Agents {
		if a.ID == id {
			return a, nil
		}
	}
	return Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, id)
}

func (c *Catalog) GetRole(_ context.Context, id string) (Role, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.data.Roles {
		if r.ID == id {
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, id)
}

func (c *Catalog) GetModel(_ context.Context, id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.data.Models {
		if m.ID == id {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: model %s", ErrNotFound, id)
}

func (c *Catalog) GetFile(_ context.Context, id string) (File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.data.Files {
		if f.ID == id {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%w: file %s", ErrNotFound, id)
}

// RuntimeContext stats the file and inlines its text when it is text-like.
func (c *Catalog) RuntimeContext(ctx context.Context, id string) (*FileContext, error) {
	f, err := c.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	abs := f.Path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.filesDir, abs)
	}
	fc := &FileContext{
		FileID:       f.ID,
		OriginalName: f.OriginalName,
		RelativePath: f.Path,
		AbsolutePath: abs,
		MimeType:     f.MimeType,
		Extension:    strings.ToLower(filepath.Ext(f.OriginalName)),
	}
	if fc.Extension == "" {
		fc.Extension = strings.ToLower(filepath.Ext(f.Path))
	}
	if fc.MimeType == "" {
		fc.MimeType = mime.TypeByExtension(fc.Extension)
	}

	info, err := os.Stat(abs)
	if err != nil {
		fc.Note = fmt.Sprintf("file not readable: %v", err)
		return fc, nil
	}
	fc.SizeBytes = info.Size()

	switch {
	case textExtensions[fc.Extension]:
		raw, err := os.ReadFile(abs)
		if err != nil {
			fc.Note = fmt.Sprintf("file not readable: %v", err)
			return fc, nil
		}
		if len(raw) > maxInlineFileBytes {
			fc.ContentText = string(raw[:maxInlineFileBytes])
			fc.Note = fmt.Sprintf("content truncated to %d bytes", maxInlineFileBytes)
		} else {
			fc.ContentText = string(raw)
		}
	case fc.Extension == ".pdf":
		fc.Note = "binary pdf; content not extracted"
	case strings.HasPrefix(fc.MimeType, "image/"):
		fc.Note = "image attached to the model request"
	default:
		fc.Note = "content not extracted for this file type"
	}
	return fc, nil
}
