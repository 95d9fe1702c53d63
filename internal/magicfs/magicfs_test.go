package magicfs

import (
	"testing"

	"magicfs/internal/config"
	"magicfs/internal/model"
	"magicfs/internal/state"
)

// fakeModel is a deterministic stand-in for the black-box embedding model.
// It hashes each input string into a fixed-length vector so identical
// strings embed identically and distinct strings very likely do not, which
// is enough for exercising the ranking and tagging paths in tests.
type fakeModel struct {
	dim int
}

func (m *fakeModel) Embed(inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		out[i] = hashVector(s, m.dim)
	}
	return out, nil
}

func (m *fakeModel) Dimension() int { return m.dim }
func (m *fakeModel) Tag() string    { return "test" }

func hashVector(s string, dim int) []float32 {
	v := make([]float32, dim)
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
		v[i%dim] += float32(h%997) / 997.0
	}
	return v
}

// setupTestFS wires a full State against a temp data directory and watch
// root, and returns a MagicFS ready for its Root()/Lookup/ReadDirAll calls
// to be exercised directly, with no FUSE mount required.
func setupTestFS(t *testing.T) (*MagicFS, *state.State, string) {
	t.Helper()

	dataDir := t.TempDir()
	watchRoot := t.TempDir()

	cfg := &config.Config{
		Mountpoint: t.TempDir(),
		WatchRoots: []string{watchRoot},
		DataDir:    dataDir,
		ModelTag:   "test",
		LogLevel:   "error",
		ChunkSize:  300,
		ScoreAgg:   model.AggregateMin,
		TrashMode:  false,
	}

	st, err := state.New(cfg, &fakeModel{dim: 8})
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st), st, watchRoot
}
