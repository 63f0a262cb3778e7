// Package fetch is the request policy engine of the offline shell. Every
// intercepted request is classified as navigation, font-asset or
// generic-asset and served with the matching strategy:
//
//   - navigation: network first; on transport failure the pre-cached shell
//     document is returned instead.
//   - font-asset: cache first; a miss is fetched and any successful
//     (2xx, storable) response is written back, cross-origin included.
//   - generic-asset: cache first; only same-origin 200 responses are
//     written back.
//
// Write-backs never block the caller: the response body is duplicated and
// the copy is handed to a cache.BackgroundWriter.
package fetch
