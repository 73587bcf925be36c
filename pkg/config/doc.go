/*
Package config loads the flowd runtime configuration.

Configuration composes from three layers, lowest precedence first:
built-in defaults, an optional YAML file, and FLOWD_* environment
variables. The result is validated once at startup and treated as
immutable afterwards.
*/
package config
