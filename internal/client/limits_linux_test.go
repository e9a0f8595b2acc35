package client

import (
	"errors"
	"testing"
)

func TestCheckDescriptors(t *testing.T) {
	if err := checkDescriptors(1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// nr_open を超える要求は引き上げられない
	if err := checkDescriptors(1 << 30); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
}
