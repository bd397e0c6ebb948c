package idgen

import (
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := range ids {
		ids[i] = ULID()
	}
	for i := 1; i < total; i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing at %d: %s <= %s", i, ids[i], ids[i-1])
		}
	}
	if _, err := ulid.ParseStrict(ids[0]); err != nil {
		t.Errorf("ParseStrict(%q): %v", ids[0], err)
	}
}

func TestDefaultPrefix(t *testing.T) {
	id := Default()
	if !strings.HasPrefix(id, "doc_") {
		t.Errorf("Default() = %q, want doc_ prefix", id)
	}
	if len(id) != len("doc_")+26 {
		t.Errorf("len(Default()) = %d, want %d", len(id), len("doc_")+26)
	}
}
