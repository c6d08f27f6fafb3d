// Package logging provides structured logging with slog for commitd.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup           AuditEventType = "startup"
	AuditEventShutdown          AuditEventType = "shutdown"
	AuditEventConfigChange      AuditEventType = "config_change"
	AuditEventKeyGenerated      AuditEventType = "key_generated"
	AuditEventKeyAccess         AuditEventType = "key_access"
	AuditEventCommitmentCreated AuditEventType = "commitment_created"
	AuditEventAnchorRecorded    AuditEventType = "anchor_recorded"
	AuditEventAnchorConfirmed   AuditEventType = "anchor_confirmed"
	AuditEventProofRequest      AuditEventType = "proof_request"
	AuditEventRateLimited       AuditEventType = "rate_limited"
	AuditEventValidationFailed  AuditEventType = "validation_failed"
	AuditEventError             AuditEventType = "error"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	PeerID     string                 `json:"peer_id,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "commitd",
	}
}

func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "commitd", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "commitd", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "commitd", "audit.log")
	}
}

// AuditLogger handles append-only, JSON-lines audit logging.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
	}, nil
}

// Log writes an audit event as a single JSON line.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogCommitmentCreated logs the acceptance of a new commitment.
func (a *AuditLogger) LogCommitmentCreated(ctx context.Context, commitmentID string, treeIndex uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCommitmentCreated,
		Action:    "commitment_created",
		Resource:  commitmentID,
		Result:    "success",
		Details: map[string]interface{}{
			"tree_index": treeIndex,
		},
	})
}

// LogAnchorRecorded logs a new anchor being recorded in the chain.
func (a *AuditLogger) LogAnchorRecorded(ctx context.Context, txid string, commitmentCount uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAnchorRecorded,
		Action:    "anchor_recorded",
		Resource:  txid,
		Result:    "success",
		Details: map[string]interface{}{
			"commitment_count": commitmentCount,
		},
	})
}

// LogAnchorConfirmed logs an anchor transitioning to confirmed.
func (a *AuditLogger) LogAnchorConfirmed(ctx context.Context, txid string, blockHeight uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAnchorConfirmed,
		Action:    "anchor_confirmed",
		Resource:  txid,
		Result:    "success",
		Details: map[string]interface{}{
			"block_height": blockHeight,
		},
	})
}

// LogRateLimited logs a request rejected by the rate limiter.
func (a *AuditLogger) LogRateLimited(ctx context.Context, peerID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRateLimited,
		Action:    "request_rate_limited",
		PeerID:    peerID,
		Result:    "denied",
	})
}

// LogValidationFailed logs a request rejected at the input boundary.
func (a *AuditLogger) LogValidationFailed(ctx context.Context, peerID, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventValidationFailed,
		Action:    "request_validation_failed",
		PeerID:    peerID,
		Result:    "denied",
		Error:     reason,
	})
}

// LogKeyGenerated logs identity key generation.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, keyType, keyID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Resource:  keyID,
		Result:    "success",
		Details: map[string]interface{}{
			"key_type": keyType,
		},
	})
}

// LogStartup logs daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   details,
	})
}

// Close closes the underlying rotator.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Close()
}
