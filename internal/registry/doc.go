// Package registry provides the module lifecycle runtime.
//
// A module is a singleton service which exists for the entire duration of the
// process. Module types implement the Module contract and are declared once per
// package with Declare, which yields a typed handle (*Ref). The handle is used
// to register the module with a Builder, to list it as a dependency of other
// modules, and to reach the started instance from anywhere afterwards.
//
// Start-up runs in three phases:
//
//   - pre-init: every module's PreInit runs concurrently. A module may not touch
//     other modules here but is free to load configuration or dial resources it
//     owns. All failures are collected.
//   - init: every module's Init runs sequentially in dependency order with a
//     temporary lease on its already-built dependencies. The first failure
//     stops start-up.
//   - post-init: the registry is published globally, then every module's
//     PostInit runs concurrently. Modules may now reach any other module,
//     including the ones depending on them.
//
// The published registry is process-wide and written exactly once. Lookups
// before publication fail; a second publication panics.
package registry
