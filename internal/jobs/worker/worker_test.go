package worker

import (
	"strings"
	"testing"
)

func TestRecoveredPanicValueSurvivesInError(t *testing.T) {
	err := errFromRecover("index out of range [3] with length 3")
	if !strings.Contains(err.Error(), "index out of range [3]") {
		t.Fatalf("recovered value lost: %q", err.Error())
	}

	err = errFromRecover(struct{ Code int }{Code: 42})
	if !strings.Contains(err.Error(), "42") {
		t.Fatalf("recovered value lost: %q", err.Error())
	}
}
