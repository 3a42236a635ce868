// Package server is the HTTP front door: /probe dispatches scrapes and
// serves their exposition bodies, /metrics serves exporter self-health. A
// failing backend is reported inside a 200 probe body; only a malformed
// request earns a 400.
package server
