package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/automata/internal/ir"
)

var automataPath = cue.ParsePath("automata")

// Load reads descriptors from a .cue file or from the CUE package in a
// directory.
func Load(path string) ([]ir.Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return CompileSource(filepath.Base(path), data)
	}

	insts := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(insts) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", path)
	}
	if err := insts[0].Err; err != nil {
		return nil, formatCUEError(err)
	}
	return compileAll(cuecontext.New().BuildInstance(insts[0]))
}

// CompileSource compiles the descriptors defined in one CUE source.
func CompileSource(filename string, src []byte) ([]ir.Descriptor, error) {
	return compileAll(cuecontext.New().CompileBytes(src, cue.Filename(filename)))
}

// compileAll compiles every field of the automata struct, in source order.
func compileAll(v cue.Value) ([]ir.Descriptor, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	automatas := v.LookupPath(automataPath)
	if !automatas.Exists() {
		return nil, &CompileError{Field: "automata", Message: "no automata definitions found", Pos: v.Pos()}
	}
	iter, err := automatas.Fields()
	if err != nil {
		return nil, fieldError("automata", automatas, err)
	}
	var out []ir.Descriptor
	for iter.Next() {
		d, err := CompileDescriptor(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, &CompileError{Field: "automata", Message: "no automata definitions found", Pos: automatas.Pos()}
	}
	return out, nil
}

// Find returns the descriptor named name.
func Find(descs []ir.Descriptor, name string) (ir.Descriptor, bool) {
	for _, d := range descs {
		if d.Name == name {
			return d, true
		}
	}
	return ir.Descriptor{}, false
}
