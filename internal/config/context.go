package config

import "context"

type key struct{}

var fileKey = key{}

// WithFile returns a new context carrying f.
func WithFile(ctx context.Context, f *File) context.Context {
	return context.WithValue(ctx, fileKey, f)
}

// FromContext returns the File carried by ctx, or nil.
func FromContext(ctx context.Context) *File {
	f, _ := ctx.Value(fileKey).(*File)
	return f
}

// Decode decodes the named module block of the File carried by ctx into
// target. Without a File, or without the block, target keeps its values.
func Decode(ctx context.Context, name string, target any) error {
	return FromContext(ctx).Decode(name, target)
}
