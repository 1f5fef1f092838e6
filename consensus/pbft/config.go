package pbft

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-engine/types"
)

// On-chain setting keys read at startup.
const (
	SettingsPrefix = "consensus.pbft."

	SettingBlockDuration    = SettingsPrefix + "block_duration"
	SettingMessageTimeout   = SettingsPrefix + "message_timeout"
	SettingCheckpointPeriod = SettingsPrefix + "checkpoint_period"
	SettingMaxLogSize       = SettingsPrefix + "max_log_size"
	SettingMaxBlockSize     = SettingsPrefix + "max_block_size"
	SettingMembers          = SettingsPrefix + "members"
)

// PBFT 엔진 설정 (시작 시 체인 헤드에서 한 번 읽고 변경하지 않음)
type Config struct {
	// Publish attempt and timeout check period.
	BlockDuration time.Duration

	// Host receive timeout, backlog retry period and phase progress timeout.
	MessageTimeout time.Duration

	// Blocks between message log pruning.
	CheckpointPeriod uint64

	// Backlog bound.
	MaxLogSize int

	// Target block size, passed through to the host.
	MaxBlockSize uint64

	// Canonical ordered membership. Empty means: use the startup peer list.
	Members []types.PeerID
}

// DefaultConfig returns the default PBFT configuration.
func DefaultConfig() Config {
	return Config{
		BlockDuration:    200 * time.Millisecond,
		MessageTimeout:   time.Second,
		CheckpointPeriod: 100,
		MaxLogSize:       10000,
		MaxBlockSize:     1000,
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.BlockDuration <= 0 {
		return wrapConfigf("block duration must be positive, got %s", c.BlockDuration)
	}
	if c.MessageTimeout <= 0 {
		return wrapConfigf("message timeout must be positive, got %s", c.MessageTimeout)
	}
	if c.CheckpointPeriod == 0 {
		return wrapConfigf("checkpoint period must be positive")
	}
	if c.MaxLogSize <= 0 {
		return wrapConfigf("max log size must be positive, got %d", c.MaxLogSize)
	}
	return nil
}

// SettingKeys lists every key LoadConfig asks for.
func SettingKeys() []string {
	return []string{
		SettingBlockDuration,
		SettingMessageTimeout,
		SettingCheckpointPeriod,
		SettingMaxLogSize,
		SettingMaxBlockSize,
		SettingMembers,
	}
}

// LoadConfig reads the on-chain settings at headID. Missing values keep their defaults;
// malformed values are logged and ignored.
func LoadConfig(service Service, headID types.BlockID, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultConfig()

	settings, err := service.GetSettings(headID, SettingKeys())
	if err != nil {
		return cfg, wrapService("get settings", err)
	}

	readMillis := func(key string, dst *time.Duration) {
		raw, ok := settings[key]
		if !ok || raw == "" {
			return
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || v == 0 {
			logger.Warn("ignoring invalid setting", zap.String("key", key), zap.String("value", raw))
			return
		}
		*dst = time.Duration(v) * time.Millisecond
	}
	readUint := func(key string, dst *uint64) {
		raw, ok := settings[key]
		if !ok || raw == "" {
			return
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || v == 0 {
			logger.Warn("ignoring invalid setting", zap.String("key", key), zap.String("value", raw))
			return
		}
		*dst = v
	}

	readMillis(SettingBlockDuration, &cfg.BlockDuration)
	readMillis(SettingMessageTimeout, &cfg.MessageTimeout)
	readUint(SettingCheckpointPeriod, &cfg.CheckpointPeriod)
	readUint(SettingMaxBlockSize, &cfg.MaxBlockSize)

	var logSize uint64
	readUint(SettingMaxLogSize, &logSize)
	if logSize > 0 {
		cfg.MaxLogSize = int(logSize)
	}

	if raw := settings[SettingMembers]; raw != "" {
		members, err := ParseMembers(raw)
		if err != nil {
			logger.Warn("ignoring invalid members setting", zap.String("value", raw), zap.Error(err))
		} else {
			cfg.Members = members
		}
	}

	return cfg, cfg.Validate()
}

// ParseMembers parses a comma separated list of hex encoded peer ids.
func ParseMembers(raw string) ([]types.PeerID, error) {
	var members []types.PeerID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return nil, wrapConfigf("member %q: %v", part, err)
		}
		members = append(members, types.PeerID(b))
	}
	return members, nil
}

// FormatMembers is the inverse of ParseMembers.
func FormatMembers(members []types.PeerID) string {
	parts := make([]string, len(members))
	for i, m := range members {
		parts[i] = m.Hex()
	}
	return strings.Join(parts, ",")
}
