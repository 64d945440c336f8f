// Package runtime assembles the single-node engine: storage, backlog store,
// filter pipeline, wait registry and the bus facade, configured from one
// config.Config.
package runtime
