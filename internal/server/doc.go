// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that maps the browser-visible Host to an upstream.
// Every mapped origin shares one listener; requests under /-/ bypass host
// routing and reach the diagnostics routes registered by package routes.
// The shared upstream http.Client never follows redirects so that 3xx
// responses reach the fetch policy unchanged.
package server
