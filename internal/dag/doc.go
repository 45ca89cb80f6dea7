// Package dag holds the dependency graph of registered modules. Nodes are
// identified by string keys and an edge from A to B records that B depends on
// A. The graph is used to reject dependency cycles before any module starts and
// to answer "who depends on whom" questions for introspection.
package dag
