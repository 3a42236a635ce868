// Package config loads and validates the exporter's YAML configuration.
//
// The configuration is read once at startup and treated as read-only while
// serving. Secrets are never stored in the file itself: fields ending in
// _env name the environment variable that holds the value, and long-lived
// backend tokens live in the separate token cache file.
package config
