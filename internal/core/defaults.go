package core

import (
	_ "embed"
	"fmt"
)

//go:embed pipelines/rust.yaml
var defaultPipelineYAML []byte

// DefaultPipeline returns the built-in Rust crate pipeline.
func DefaultPipeline() *Pipeline {
	p, err := ParsePipeline(defaultPipelineYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in pipeline: %v", err))
	}
	return p
}

// DefaultPipelineSource returns the YAML the built-in pipeline is parsed
// from.
func DefaultPipelineSource() []byte {
	out := make([]byte, len(defaultPipelineYAML))
	copy(out, defaultPipelineYAML)
	return out
}
