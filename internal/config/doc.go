// Package config loads module settings.
//
// Module settings live in HCL files made of `module "<name>" { ... }` blocks.
// Expressions inside a block may read the process environment through the
// `env` object, e.g. `path = env.DATABASE_PATH`. The loaded File travels to
// every module's PreInit on the context; a module decodes its own block with
// Decode and reads plain environment variables with ParseEnv.
package config
