// Package seed imports and exports connection definitions as YAML, TOML or
// JSONL files.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
)

// Format is a seed file encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatJSONL Format = "jsonl"
)

// File is the document layout for YAML and TOML seeds.
type File struct {
	Connections []schema.Connection `yaml:"connections" toml:"connections"`
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("unsupported seed file extension %q (want .yaml, .toml or .jsonl)", filepath.Ext(path))
}

// Parse decodes connections from r.
func Parse(r io.Reader, format Format) ([]*schema.Connection, error) {
	var conns []schema.Connection
	switch format {
	case FormatYAML:
		var f File
		if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid YAML seed: %w", err)
		}
		conns = f.Connections
	case FormatTOML:
		var f File
		if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid TOML seed: %w", err)
		}
		conns = f.Connections
	case FormatJSONL:
		scanner := bufio.NewScanner(r)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var c schema.Connection
			if err := json.Unmarshal(line, &c); err != nil {
				return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
			}
			conns = append(conns, c)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported seed format %q", format)
	}

	out := make([]*schema.Connection, 0, len(conns))
	for i := range conns {
		c := conns[i]
		c.ID = 0
		c.Active = true
		out = append(out, &c)
	}
	return out, nil
}

// ReadFile parses a seed file, choosing the format by extension.
func ReadFile(path string) ([]*schema.Connection, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f, format)
}

// Store is where imported connections are written.
type Store interface {
	AddConnectionContext(ctx context.Context, c *schema.Connection) error
}

// Describer returns the display name of a source database.
type Describer func(ctx context.Context, databaseID string) (string, error)

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun bool

	// Describe, when set, fills SourceName and rejects databases the
	// source can't open.
	Describe Describer
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Added   int
	Skipped int
	Errors  []string
}

// Import adds each connection to the store. Pairs that already exist are
// counted as skipped; other failures are collected and don't stop the run.
func Import(ctx context.Context, store Store, conns []*schema.Connection, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	for i, c := range conns {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := c.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %v", i+1, err))
			continue
		}
		c.SetDefaults()

		if opts.Describe != nil {
			name, err := opts.Describe(ctx, c.SourceDatabaseID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: source check failed: %v", c.Label(), err))
				continue
			}
			if c.SourceName == "" {
				c.SourceName = name
			}
		}

		if opts.DryRun {
			result.Added++
			continue
		}
		if err := store.AddConnectionContext(ctx, c); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Label(), err))
			continue
		}
		result.Added++
	}
	return result, nil
}

// Encode writes connections to w in the given format.
func Encode(w io.Writer, conns []*schema.Connection, format Format) error {
	f := File{Connections: make([]schema.Connection, 0, len(conns))}
	for _, c := range conns {
		f.Connections = append(f.Connections, *c)
	}
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(f); err != nil {
			return fmt.Errorf("failed to encode TOML: %w", err)
		}
		return nil
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, c := range f.Connections {
			if err := enc.Encode(c); err != nil {
				return fmt.Errorf("failed to encode connection: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported seed format %q", format)
}

// WriteFile exports connections to path, atomically via a temp file.
func WriteFile(path string, conns []*schema.Connection) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, conns, format); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
