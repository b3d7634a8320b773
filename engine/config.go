package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/blockberries/byzberry/auth"
	"github.com/blockberries/byzberry/types"
)

// Config holds the replica configuration
type Config struct {
	// F is the number of tolerated faulty replicas; n = 3f+1
	F int

	// SelfID is this replica's identity in [0, n)
	SelfID types.ReplicaID

	// MaxOut is the in-flight window size; must be a power of two
	MaxOut uint64

	// CheckpointInterval is the number of seqnos between checkpoints;
	// must divide MaxOut
	CheckpointInterval uint64

	// Batching bounds
	MaxReqsPerBatch int
	MaxBatchBytes   int

	// MaxNdLen bounds the non-determinism payload
	MaxNdLen int

	// MaxPending bounds the client request queue
	MaxPending int

	// Timing
	ViewChangeTimeout  time.Duration
	RetransmitInterval time.Duration
	StatusInterval     time.Duration

	// MaxFetchRetries bounds state-transfer attempts before surfacing a
	// recovery-required diagnostic
	MaxFetchRetries int

	// SigMode selects the hot-path authenticator
	SigMode auth.Mode

	// Logger receives structured protocol events
	Logger zerolog.Logger
}

// DefaultConfig returns a configuration for f=1 with moderate timing
func DefaultConfig() Config {
	return Config{
		F:                  1,
		MaxOut:             32,
		CheckpointInterval: 8,
		MaxReqsPerBatch:    64,
		MaxBatchBytes:      1 << 20,
		MaxNdLen:           64,
		MaxPending:         1024,
		ViewChangeTimeout:  2 * time.Second,
		RetransmitInterval: 500 * time.Millisecond,
		StatusInterval:     1 * time.Second,
		MaxFetchRetries:    5,
		SigMode:            auth.ModeMacVector,
		Logger:             zerolog.Nop(),
	}
}

// Validate checks the configuration against the protocol's structural
// requirements
func (cfg *Config) Validate() error {
	if cfg.F < 0 {
		return fmt.Errorf("f must be non-negative, got %d", cfg.F)
	}
	n := 3*cfg.F + 1
	if int(cfg.SelfID) >= n {
		return fmt.Errorf("self id %d outside [0, %d)", cfg.SelfID, n)
	}
	if cfg.MaxOut == 0 || cfg.MaxOut&(cfg.MaxOut-1) != 0 {
		return fmt.Errorf("max_out must be a power of two, got %d", cfg.MaxOut)
	}
	if cfg.CheckpointInterval == 0 || cfg.MaxOut%cfg.CheckpointInterval != 0 {
		return fmt.Errorf("checkpoint_interval %d must divide max_out %d", cfg.CheckpointInterval, cfg.MaxOut)
	}
	if cfg.MaxReqsPerBatch <= 0 {
		return fmt.Errorf("max_reqs_per_batch must be positive, got %d", cfg.MaxReqsPerBatch)
	}
	if cfg.MaxBatchBytes <= 0 {
		return fmt.Errorf("max_batch_bytes must be positive, got %d", cfg.MaxBatchBytes)
	}
	if cfg.MaxNdLen < 0 {
		return fmt.Errorf("max_nd_len must be non-negative, got %d", cfg.MaxNdLen)
	}
	if cfg.ViewChangeTimeout <= 0 {
		return fmt.Errorf("view_change_timeout must be positive")
	}
	if cfg.RetransmitInterval <= 0 {
		return fmt.Errorf("retransmit_interval must be positive")
	}
	if cfg.StatusInterval <= 0 {
		return fmt.Errorf("status_interval must be positive")
	}
	if cfg.MaxFetchRetries <= 0 {
		return fmt.Errorf("max_fetch_retries must be positive")
	}
	return nil
}

// ConfigFromViper reads the pbft.* keys of a viper tree into a Config.
// Keys not present keep their DefaultConfig values.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	if v.IsSet("pbft.f") {
		cfg.F = v.GetInt("pbft.f")
	}
	if v.IsSet("pbft.n") {
		if n := v.GetInt("pbft.n"); n != 3*cfg.F+1 {
			return cfg, fmt.Errorf("pbft.n = %d does not match 3f+1 = %d", n, 3*cfg.F+1)
		}
	}
	if v.IsSet("pbft.self_id") {
		cfg.SelfID = types.ReplicaID(v.GetUint32("pbft.self_id"))
	}
	if v.IsSet("pbft.max_out") {
		cfg.MaxOut = v.GetUint64("pbft.max_out")
	}
	if v.IsSet("pbft.checkpoint_interval") {
		cfg.CheckpointInterval = v.GetUint64("pbft.checkpoint_interval")
	}
	if v.IsSet("pbft.max_reqs_per_batch") {
		cfg.MaxReqsPerBatch = v.GetInt("pbft.max_reqs_per_batch")
	}
	if v.IsSet("pbft.max_batch_bytes") {
		cfg.MaxBatchBytes = v.GetInt("pbft.max_batch_bytes")
	}
	if v.IsSet("pbft.max_nd_len") {
		cfg.MaxNdLen = v.GetInt("pbft.max_nd_len")
	}
	if v.IsSet("pbft.max_pending") {
		cfg.MaxPending = v.GetInt("pbft.max_pending")
	}
	if v.IsSet("pbft.timeout.viewchange") {
		cfg.ViewChangeTimeout = v.GetDuration("pbft.timeout.viewchange")
	}
	if v.IsSet("pbft.timeout.retransmit") {
		cfg.RetransmitInterval = v.GetDuration("pbft.timeout.retransmit")
	}
	if v.IsSet("pbft.timeout.status") {
		cfg.StatusInterval = v.GetDuration("pbft.timeout.status")
	}
	if v.IsSet("pbft.max_fetch_retries") {
		cfg.MaxFetchRetries = v.GetInt("pbft.max_fetch_retries")
	}
	if v.IsSet("pbft.sig_mode") {
		switch mode := v.GetString("pbft.sig_mode"); mode {
		case "mac_vector":
			cfg.SigMode = auth.ModeMacVector
		case "signed":
			cfg.SigMode = auth.ModeSigned
		default:
			return cfg, fmt.Errorf("unknown pbft.sig_mode %q", mode)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
