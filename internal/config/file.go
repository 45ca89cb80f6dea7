package config

import (
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// Block is one `module "<name>"` block.
type Block struct {
	Name  string
	Body  hcl.Body
	Range hcl.Range
}

// File is the merged module configuration of every loaded HCL file.
type File struct {
	blocks  map[string]*Block
	evalCtx *hcl.EvalContext
}

// NewFile returns an empty File whose expressions are evaluated against the
// given environment.
func NewFile(environ []string) *File {
	return &File{
		blocks:  make(map[string]*Block),
		evalCtx: newEvalContext(environ),
	}
}

// add stores b, rejecting a second block with the same name.
func (f *File) add(b *Block) error {
	if prev, ok := f.blocks[b.Name]; ok {
		return fmt.Errorf("duplicate module block %q at %s, first defined at %s", b.Name, b.Range, prev.Range)
	}
	f.blocks[b.Name] = b
	return nil
}

// Block returns the block configuring the named module.
func (f *File) Block(name string) (*Block, bool) {
	if f == nil {
		return nil, false
	}
	b, ok := f.blocks[name]
	return b, ok
}

// Names returns the configured module names, sorted.
func (f *File) Names() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.blocks))
	for name := range f.blocks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Decode decodes the named block into target, a pointer to a struct with
// `hcl` tags. Attributes missing from the block, or a missing block, leave
// the corresponding fields of target untouched.
func (f *File) Decode(name string, target any) error {
	b, ok := f.Block(name)
	if !ok {
		return nil
	}
	if diags := gohcl.DecodeBody(b.Body, f.evalCtx, target); diags.HasErrors() {
		return fmt.Errorf("failed to decode module block %q: %w", name, diags)
	}
	return nil
}
