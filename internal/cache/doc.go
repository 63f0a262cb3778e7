// Package cache implements the versioned response store behind the offline
// shell. Responses are grouped into named generations (for example
// "app-cache-v1.0.4"); a generation maps a request identity (GET + absolute
// URL) to a full response snapshot. Two backends are provided: a directory
// tree (temp file + rename, one directory per generation) and an embedded
// goleveldb database (one key prefix per generation). Callers never mutate a
// snapshot in place: a new Put overwrites the previous value for the key.
// BackgroundWriter runs refill writes off the request path.
package cache
