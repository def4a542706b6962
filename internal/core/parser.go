package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format selects how a pipeline definition is decoded.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSONC    Format = "jsonc"
	FormatWorkflow Format = "workflow"
)

// ParsePipeline parses YAML content into a Pipeline object.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &pipeline, nil
}

// ParsePipelineJSONC strips comments and trailing commas, then decodes
// the JSON result.
func ParsePipelineJSONC(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pipeline); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &pipeline, nil
}

// Parse decodes data in the given format.
func Parse(data []byte, format Format) (*Pipeline, error) {
	switch format {
	case FormatYAML:
		return ParsePipeline(data)
	case FormatJSONC:
		return ParsePipelineJSONC(data)
	case FormatWorkflow:
		return ParseWorkflow(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown pipeline format %q", format)
	}
}

// DetectFormat picks a format from the file extension and, for YAML, from
// whether the document declares GitHub Actions style jobs.
func DetectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err == nil {
		if _, ok := doc["jobs"]; ok {
			return FormatWorkflow
		}
	}
	return FormatYAML
}

// LoadPipeline reads a pipeline file. A missing name is taken from the
// file name.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	pipeline, err := Parse(data, DetectFormat(path, data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pipeline.Name == "" {
		pipeline.Name = NameFromPath(path)
	}
	return pipeline, nil
}

// NameFromPath strips the directory and extension from path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
