package staticworker

import (
	"strings"
	"testing"
)

func TestWorkerScriptFallbackChain(t *testing.T) {
	src := string(WorkerScript())
	for _, want := range []string{"env.ASSETS.fetch", "/index.html", "text/html", "404"} {
		if !strings.Contains(src, want) {
			t.Errorf("worker script missing %q", want)
		}
	}
}

func TestDraftScriptIsMinimalModule(t *testing.T) {
	src := string(DraftScript())
	if !strings.Contains(src, "export default") || !strings.Contains(src, "fetch") {
		t.Errorf("draft script is not a module with a fetch handler: %s", src)
	}
}

func TestAccessorsCopy(t *testing.T) {
	a := WorkerScript()
	a[0] = 'X'
	if b := WorkerScript(); b[0] == 'X' {
		t.Error("WorkerScript must return a copy")
	}
}
