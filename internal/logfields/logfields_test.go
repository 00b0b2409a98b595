package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    interface{}
	}{
		{"BuildID", KeyBuildID, "bld_123", BuildID("bld_123")},
		{"Slug", KeySlug, "my-app", Slug("my-app")},
		{"State", KeyState, "building", State("building")},
		{"Step", KeyStep, "install", Step("install")},
		{"ProjectType", KeyProject, "nextjs", ProjectType("nextjs")},
		{"EventType", KeyEventType, "log", EventType("log")},
		{"SessionID", KeySessionID, "sess-9", SessionID("sess-9")},
		{"AlertKey", KeyAlertKey, "error-rate:api", AlertKey("error-rate:api")},
		{"Severity", KeySeverity, "page", Severity("page")},
		{"Dimension", KeyDimension, "api", Dimension("api")},
		{"Endpoint", KeyEndpoint, "/deploy", Endpoint("/deploy")},
	}

	for _, tc := range cases {
		a := tc.attr.(slog.Attr)
		if a.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, a.Key)
		}
		if got := a.Value.String(); got != tc.attrVal { // Value is slog.Value
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := Attempt(3); v.Key != KeyAttempt {
		t.Fatalf("Attempt key mismatch: %s", v.Key)
	}
	if v := StatusCode(200); v.Key != KeyStatus {
		t.Fatalf("StatusCode key mismatch: %s", v.Key)
	}
	if v := EventID(42); v.Key != KeyEventID {
		t.Fatalf("EventID key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
	if v := WindowMin(30); v.Key != KeyWindow {
		t.Fatalf("WindowMin key mismatch: %s", v.Key)
	}
	if v := Count(7); v.Key != KeyCount {
		t.Fatalf("Count key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
