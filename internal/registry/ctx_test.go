package registry

import (
	"context"
	"testing"
)

// testCtx returns a context canceled when the test finishes, standing in
// for t.Context(), which requires a newer Go release than this toolchain.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
