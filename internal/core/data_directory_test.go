package core

import (
	"strings"
	"testing"
)

func TestGetDataDirectory(t *testing.T) {
	dir := GetDataDirectory()

	// Should return a non-empty string
	if dir == "" {
		t.Error("Expected non-empty data directory")
	}

	// Should land on a product path or a development fallback
	if !strings.Contains(dir, "ecomkassa") && !strings.Contains(dir, "data") && dir != "." {
		t.Errorf("Expected a recognized data directory, got '%s'", dir)
	}
}
