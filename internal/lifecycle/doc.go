// Package lifecycle drives one version of the offline shell through install
// and activation. Install opens the generation named after the current
// version and pre-caches the manifest as a unit; activation removes every
// other generation and then starts controlling clients. Both steps are pure
// functions of the configured version and the generation names found in the
// store, so restarting with an unchanged version is a no-op.
package lifecycle
