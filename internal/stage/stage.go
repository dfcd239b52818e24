// Package stage defines the fixed pipeline stage sequence and the metadata
// the workflow manager and scheduler need for each stage.
package stage

import (
	"fmt"

	"shortform/internal/services"
)

// Stage names, in pipeline order.
const (
	ScriptGeneration = "script_generation"
	ScriptProcessing = "script_processing"
	VoiceSynthesis   = "voice_synthesis"
	VisualGeneration = "visual_generation"
	VideoComposition = "video_composition"
	Publish          = "publish"
)

// Sequence is the fixed stage order. Every job walks it front to back;
// there is no branching.
var Sequence = []string{
	ScriptGeneration,
	ScriptProcessing,
	VoiceSynthesis,
	VisualGeneration,
	VideoComposition,
	Publish,
}

var indexByName = func() map[string]int {
	m := make(map[string]int, len(Sequence))
	for i, name := range Sequence {
		m[name] = i
	}
	return m
}()

// Valid reports whether name is a known stage.
func Valid(name string) bool {
	_, ok := indexByName[name]
	return ok
}

// Parse validates a stage name from user input.
func Parse(name string) (string, error) {
	if _, ok := indexByName[name]; !ok {
		return "", services.Wrap(
			services.ErrValidation, "stage", "parse stage",
			fmt.Sprintf("unknown stage %q (valid: %v)", name, Sequence), nil)
	}
	return name, nil
}

// Index returns the position of a stage in the sequence, or -1 for an
// unknown name.
func Index(name string) int {
	if i, ok := indexByName[name]; ok {
		return i
	}
	return -1
}

// Next returns the stage after name, or empty when name is the last stage
// or unknown.
func Next(name string) string {
	i, ok := indexByName[name]
	if !ok || i+1 >= len(Sequence) {
		return ""
	}
	return Sequence[i+1]
}

// Downstream returns every stage strictly after name, in order. Forcing a
// re-run of name invalidates exactly these stages' artifacts.
func Downstream(name string) []string {
	i, ok := indexByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(Sequence)-i-1)
	out = append(out, Sequence[i+1:]...)
	return out
}

// Upstream returns every stage strictly before name, in order. A job at
// name must hold an artifact for each of these.
func Upstream(name string) []string {
	i, ok := indexByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, i)
	out = append(out, Sequence[:i]...)
	return out
}

// First returns the first stage of the pipeline.
func First() string {
	return Sequence[0]
}
