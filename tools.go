//go:build tools

package tools

// Go-based tools invoked via `go generate` are tracked here so their
// versions are pinned by go.mod.
import (
	_ "go.uber.org/mock/mockgen"
)
