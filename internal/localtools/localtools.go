// Package localtools provides the built-in client-side tools. Declarations come
// from the embedded YAML catalog and handlers are implemented here.
package localtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convsync/internal/data/embedded"
	"convsync/internal/toolexec"

	"gopkg.in/yaml.v3"
)

// MaxReadBytes caps how much of a file read_file returns.
const MaxReadBytes = 64 << 10

// Spec is a tool declaration from the catalog.
type Spec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

type catalogFile struct {
	Tools []Spec `yaml:"tools"`
}

// Options configures the built-in tools.
type Options struct {
	// Enabled filters tools by name. Nil enables all.
	Enabled func(name string) bool

	// BaseDir resolves relative paths. Defaults to the working directory.
	BaseDir string

	// Now is the clock used by current_time.
	Now func() time.Time
}

// Catalog parses the embedded tool catalog.
func Catalog() ([]Spec, error) {
	return parseCatalog(embedded.ToolCatalogData)
}

func parseCatalog(data []byte) ([]Spec, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	for i, spec := range file.Tools {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, fmt.Errorf("tool catalog entry %d has no name", i)
		}
	}
	return file.Tools, nil
}

// Tools returns the enabled built-in tools in catalog order.
func Tools(opts Options) ([]toolexec.Tool, error) {
	specs, err := Catalog()
	if err != nil {
		return nil, err
	}
	return build(specs, opts)
}

func build(specs []Spec, opts Options) ([]toolexec.Tool, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.BaseDir = wd
	}

	handlers := map[string]toolexec.Handler{
		"current_time":   currentTime(opts.Now),
		"read_file":      readFile(opts.BaseDir),
		"list_directory": listDirectory(opts.BaseDir),
	}

	var tools []toolexec.Tool
	for _, spec := range specs {
		if opts.Enabled != nil && !opts.Enabled(spec.Name) {
			continue
		}
		handler, ok := handlers[spec.Name]
		if !ok {
			return nil, fmt.Errorf("tool %q has no built-in handler", spec.Name)
		}
		tools = append(tools, toolexec.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
			Handler:     handler,
		})
	}
	return tools, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return strings.TrimSpace(s), nil
}

func resolvePath(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func currentTime(now func() time.Time) toolexec.Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		tz, err := stringArg(args, "timezone")
		if err != nil {
			return nil, err
		}
		loc := time.Local
		if tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", tz)
			}
		}
		t := now().In(loc)
		return map[string]any{
			"time":     t.Format(time.RFC3339),
			"timezone": loc.String(),
			"weekday":  t.Weekday().String(),
			"unix":     t.Unix(),
		}, nil
	}
}

func readFile(base string) toolexec.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		p, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		if p == "" {
			return nil, errors.New("argument \"path\" is required")
		}

		limit := int64(MaxReadBytes)
		if raw, ok := args["max_bytes"].(float64); ok && raw >= 1 && int64(raw) < limit {
			limit = int64(raw)
		}

		path := resolvePath(base, p)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close()
		}()

		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		if err != nil {
			return nil, err
		}
		truncated := int64(len(data)) > limit
		if truncated {
			data = data[:limit]
		}
		return map[string]any{
			"path":      path,
			"content":   string(data),
			"size":      info.Size(),
			"truncated": truncated,
		}, nil
	}
}

func listDirectory(base string) toolexec.Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		p, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		path := resolvePath(base, p)

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}

		items := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			item := map[string]any{"name": entry.Name()}
			switch {
			case entry.IsDir():
				item["type"] = "directory"
			case entry.Type()&os.ModeSymlink != 0:
				item["type"] = "symlink"
			default:
				item["type"] = "file"
				if info, err := entry.Info(); err == nil {
					item["size"] = info.Size()
				}
			}
			items = append(items, item)
		}
		return map[string]any{
			"path":    path,
			"entries": items,
		}, nil
	}
}
