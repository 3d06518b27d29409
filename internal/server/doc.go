// Package server implements the HTTP server and HTTP handlers for ezdrop.
// It wires the routes to the transfer core (uploads and short links on
// POST /, downloads under /files/{id}, redirects on /{id}) and adds the
// health, metrics, rate limiting and access logging around them.
package server
