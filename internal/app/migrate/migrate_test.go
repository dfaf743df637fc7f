package migrate

import (
	"testing"
)

func TestNewRejectsMissingPool(t *testing.T) {
	if _, err := New(nil, t.TempDir(), nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
