// Package msgcat holds the player-facing text: an embedded English catalog that YAML
// files in an override directory can replace key by key.
package msgcat

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-lan/internal/gameerr"
)

//go:embed messages.en.yaml
var embedded embed.FS

const embeddedFile = "messages.en.yaml"

// Catalog maps dotted keys ("status.idle") to parsed templates. Templates fail on
// missing data keys.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New loads the embedded catalog, then the overrides in overrideDir when set.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*template.Template)}
	raw, err := fs.ReadFile(embedded, embeddedFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded messages: %w", err)
	}
	if err := c.load(embeddedFile, raw, nil); err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		if err := c.loadDir(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("message overrides in %s: %w", dir, err)
		}
	}
	return c, nil
}

// loadDir applies the *.yaml and *.yml files of fsys in name order. Two override
// files setting the same key is an error.
func (c *Catalog) loadDir(fsys fs.FS) error {
	var names []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		found, err := fs.Glob(fsys, pattern)
		if err != nil {
			return err
		}
		names = append(names, found...)
	}
	sort.Strings(names)

	owner := make(map[string]string)
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		if err := c.load(name, raw, owner); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) load(name string, raw []byte, owner map[string]string) error {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	flat := make(map[string]string)
	if err := flatten("", tree, flat); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	parsed := make(map[string]*template.Template, len(flat))
	for key, src := range flat {
		if owner != nil {
			if prev, dup := owner[key]; dup {
				return fmt.Errorf("key %q set by both %s and %s", key, prev, name)
			}
			owner[key] = name
		}
		t, err := template.New(key).Option("missingkey=error").Parse(src)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", name, key, err)
		}
		parsed[key] = t
	}

	c.mu.Lock()
	maps.Copy(c.templates, parsed)
	c.mu.Unlock()
	return nil
}

func flatten(prefix string, node any, out map[string]string) error {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(key, child, out); err != nil {
				return err
			}
		}
	case string:
		if prefix == "" {
			return errors.New("text without a key")
		}
		if strings.TrimSpace(v) != "" {
			out[prefix] = v
		}
	case nil:
	default:
		return fmt.Errorf("%s: want text, got %T", prefix, v)
	}
	return nil
}

// Render executes the template at key.
func (c *Catalog) Render(key string, data any) (string, error) {
	c.mu.RLock()
	t, ok := c.templates[strings.TrimSpace(key)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no message %q", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.templates[key]
	return ok
}

// text renders key, or "" when it is missing or cannot be rendered.
func (c *Catalog) text(key string, data any) string {
	s, err := c.Render(key, data)
	if err != nil {
		return ""
	}
	return s
}

// Status describes a session status to the local player.
func (c *Catalog) Status(status, local, remote string) string {
	return c.text("status."+status, map[string]any{"Local": local, "Remote": remote})
}

// Outcome describes a finished match. An empty winner is a draw.
func (c *Catalog) Outcome(winner, reason string) string {
	if c.Has("reason." + reason) {
		reason = c.text("reason."+reason, nil)
	}
	data := map[string]any{"Winner": winner, "Reason": reason}
	if winner == "" {
		return c.text("outcome.draw", data)
	}
	return c.text("outcome.win", data)
}

// Draw describes a draw offer state or change.
func (c *Catalog) Draw(state, remote string) string {
	return c.text("draw."+state, map[string]any{"Remote": remote})
}

// ErrorText renders err for a player: "errors.<code>" when the catalog has it, then
// "errors.kind.<kind>", then the error's own text.
func (c *Catalog) ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return c.errorText(gameerr.CodeOf(err), string(gameerr.KindOf(err)), err.Error())
}

// CodeText renders an error known only by code and text, as carried in events.
func (c *Catalog) CodeText(code, text string) string {
	return c.errorText(code, "", text)
}

func (c *Catalog) errorText(code, kind, text string) string {
	data := map[string]any{"Error": text, "Code": code}
	if code != "" {
		if s, err := c.Render("errors."+code, data); err == nil {
			return s
		}
	}
	if kind != "" {
		if s, err := c.Render("errors.kind."+kind, data); err == nil {
			return s
		}
	}
	return text
}
