package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	root := errors.New("bad url")
	wrapped := fmt.Errorf("build request: %w", Mark(root))

	if !Is(wrapped) {
		t.Fatalf("expected permanent marker through wrapping")
	}
	if !errors.Is(wrapped, root) {
		t.Fatalf("expected root cause to stay reachable")
	}
	if Is(root) || Is(nil) || Mark(nil) != nil {
		t.Fatalf("unexpected marker on plain or nil error")
	}
	if err := Errorf("status %d", 400); !Is(err) || err.Error() != "status 400" {
		t.Fatalf("unexpected Errorf result %v", err)
	}
}
