// Package report persists a discovered topology with run metadata. The
// format follows the file extension.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/topoctl/internal/protocol"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("report: unsupported format")

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

type Report struct {
	LocalID     string            `json:"local_id" yaml:"local_id" toml:"local_id"`
	Coordinator string            `json:"coordinator,omitempty" yaml:"coordinator,omitempty" toml:"coordinator,omitempty"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at" toml:"started_at"`
	FinishedAt  time.Time         `json:"finished_at" yaml:"finished_at" toml:"finished_at"`
	Nodes       int               `json:"nodes" yaml:"nodes" toml:"nodes"`
	Edges       int               `json:"edges" yaml:"edges" toml:"edges"`
	Topology    protocol.Topology `json:"topology" yaml:"topology" toml:"topology"`
}

// New fills the counts from topology.
func New(localID, coordinator string, topology protocol.Topology, started, finished time.Time) Report {
	return Report{
		LocalID:     localID,
		Coordinator: coordinator,
		StartedAt:   started.UTC(),
		FinishedAt:  finished.UTC(),
		Nodes:       len(topology),
		Edges:       topology.EdgeCount(),
		Topology:    topology.Clone(),
	}
}

func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func Marshal(r Report, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(r)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func Unmarshal(data []byte, format Format) (Report, error) {
	var r Report
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &r)
	case FormatYAML:
		err = yaml.Unmarshal(data, &r)
	case FormatTOML:
		err = toml.Unmarshal(data, &r)
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Report{}, fmt.Errorf("report: decode %s: %w", format, err)
	}
	return r, nil
}

// Write creates parent directories as needed.
func Write(path string, r Report) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := Marshal(r, format)
	if err != nil {
		return fmt.Errorf("report: encode %s: %w", format, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func Read(path string) (Report, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Report{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("report: %w", err)
	}
	return Unmarshal(data, format)
}
