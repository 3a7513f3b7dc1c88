// Package logging builds the zap loggers used across the node.
package logging
