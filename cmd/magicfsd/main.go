package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"magicfs/internal/config"
	"magicfs/internal/logging"
	"magicfs/internal/magicfs"
	"magicfs/internal/state"
)

var logger = logging.GetLogger()

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Error("configuration error: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(logLevelFromString(cfg.LogLevel))

	logger.Info("starting magicfsd, mounting at %s", cfg.Mountpoint)

	st, err := state.New(cfg, newPlaceholderModel(cfg.ModelTag))
	if err != nil {
		logger.Error("failed to initialize daemon state: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := st.Start(ctx); err != nil {
		logger.Error("failed to start daemon: %v", err)
		cancel()
		os.Exit(1)
	}

	mfs := magicfs.New(st)
	if err := mfs.Mount(cfg.Mountpoint); err != nil {
		logger.Error("mount failed: %v", err)
		cancel()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	cancel()
	if err := mfs.Unmount(cfg.Mountpoint); err != nil {
		logger.Error("unmount error: %v", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("error closing daemon state: %v", err)
	}
	logger.Info("clean shutdown complete")
}

// placeholderModel is a deterministic stand-in for the real embedding
// model: MagicFS treats the model as a black-box function from strings to
// fixed-length float vectors, and a concrete model is a deployment-time
// choice, not something this daemon ships. It hashes each input into a
// fixed-length vector so the rest of the pipeline (ranking, chunking, the
// embedding actor's serialization) is fully exercised without depending on
// any particular model library.
type placeholderModel struct {
	tag string
	dim int
}

func newPlaceholderModel(tag string) *placeholderModel {
	return &placeholderModel{tag: tag, dim: 256}
}

func (m *placeholderModel) Embed(inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		out[i] = hashEmbed(s, m.dim)
	}
	return out, nil
}

func (m *placeholderModel) Dimension() int { return m.dim }
func (m *placeholderModel) Tag() string    { return m.tag }

func logLevelFromString(s string) logging.LogLevel {
	switch s {
	case "error":
		return logging.LevelError
	case "warn":
		return logging.LevelWarn
	case "debug":
		return logging.LevelDebug
	case "trace":
		return logging.LevelTrace
	default:
		return logging.LevelInfo
	}
}

func hashEmbed(s string, dim int) []float32 {
	v := make([]float32, dim)
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
		v[i%dim] += float32(h%997) / 997.0
	}
	return v
}
