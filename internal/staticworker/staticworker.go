// Package staticworker embeds the built-in worker scripts shipped with every
// static-site deployment. The static server proxies ASSETS with index.html
// fallbacks; the draft script is the minimal module deployed when the
// provider reports "worker not found" during secret upload.
package staticworker

import _ "embed"

//go:embed worker.js
var workerScript []byte

//go:embed draft.js
var draftScript []byte

// WorkerScript returns the static-site server module.
func WorkerScript() []byte {
	out := make([]byte, len(workerScript))
	copy(out, workerScript)
	return out
}

// DraftScript returns the minimal placeholder module.
func DraftScript() []byte {
	out := make([]byte, len(draftScript))
	copy(out, draftScript)
	return out
}
