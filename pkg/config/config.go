package config

import "time"

// Config carries the construction parameters for a Database, per the
// library-API-no-CLI surface: database path, buffer pool size,
// logging enabled flag, strict-2PL flag, hash bucket size.
type Config struct {
	// Path to the directory backing the database's files.
	Path string
	// BufferPoolFrames is the number of page frames the buffer pool keeps resident.
	BufferPoolFrames int
	// HashBucketSize is a per-bucket entry limit for a hash directory. No
	// component reads it; the buffer pool's page table uses a bucket size of 4.
	HashBucketSize int64
	// Strict2PL forbids releasing locks before a transaction reaches a terminal state.
	Strict2PL bool
	// LoggingEnabled toggles whether Open replays the WAL. Writes are
	// logged either way.
	LoggingEnabled bool
	// LogBufferSize is the size in bytes of each of the log manager's two buffers.
	LogBufferSize int
	// LogFlushTimeout is how often the background flush thread wakes up on its own.
	LogFlushTimeout time.Duration
	// CheckpointInterval is a checkpoint period. No component reads it;
	// checkpoints are taken only when Database.Checkpoint is called.
	CheckpointInterval time.Duration
}

// Default returns a Config with the database's default knobs, layered on
// top of the constants in default.go.
func Default(path string) Config {
	return Config{
		Path:               path,
		BufferPoolFrames:   MaxPagesInBuffer,
		HashBucketSize:     64,
		Strict2PL:          true,
		LoggingEnabled:     true,
		LogBufferSize:      32 * 1024,
		LogFlushTimeout:    time.Second,
		CheckpointInterval: 30 * time.Second,
	}
}
