// Package app contains the application shell. It configures logging, loads
// the module configuration, starts the registered modules and serves the
// health and introspection endpoints until the process is asked to stop,
// decoupled from any specific entrypoint like a CLI.
package app
