package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MessageType represents the type of buffered message
type MessageType string

const (
	// MessageTypeJobStatus carries a terminal job status that must reach the service
	MessageTypeJobStatus MessageType = "job_status"
	// MessageTypeJobProgress carries in-progress status; only the latest per job is kept
	MessageTypeJobProgress MessageType = "job_progress"
)

// BufferedMessage represents a message stored in the buffer
type BufferedMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	JobID     string          `json:"job_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusBuffer keeps job status publications made while the control channel
// was down, persisted so they survive a restart.
type StatusBuffer struct {
	mu       sync.RWMutex
	fs       afero.Fs
	messages []BufferedMessage
	filePath string
}

// NewStatusBuffer creates a buffer persisted under dataDir
func NewStatusBuffer(fs afero.Fs, dataDir string) (*StatusBuffer, error) {
	if err := fs.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	sb := &StatusBuffer{
		fs:       fs,
		filePath: filepath.Join(dataDir, "status_buffer.json"),
		messages: make([]BufferedMessage, 0),
	}

	if err := sb.LoadFromDisk(); err != nil {
		debug.Warning("Failed to load existing buffer (will start fresh): %v", err)
	}

	return sb, nil
}

// Add buffers a status payload for jobID. A progress message replaces any
// earlier progress message of the same job.
func (sb *StatusBuffer) Add(msgType MessageType, jobID string, payload []byte) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if !json.Valid(payload) {
		return fmt.Errorf("status payload is not valid JSON")
	}

	msg := BufferedMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		JobID:     jobID,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: time.Now().UTC(),
	}

	previous := sb.messages
	if msgType == MessageTypeJobProgress {
		kept := make([]BufferedMessage, 0, len(sb.messages))
		for _, m := range sb.messages {
			if m.Type == MessageTypeJobProgress && m.JobID == jobID {
				continue
			}
			kept = append(kept, m)
		}
		sb.messages = kept
	}
	sb.messages = append(sb.messages, msg)

	if err := sb.saveToDiskLocked(); err != nil {
		sb.messages = previous
		return fmt.Errorf("failed to persist buffer: %w", err)
	}

	debug.Info("Buffered %s for job %s (total buffered: %d)", msgType, jobID, len(sb.messages))
	return nil
}

// GetAll returns all buffered messages, oldest first
func (sb *StatusBuffer) GetAll() []BufferedMessage {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	result := make([]BufferedMessage, len(sb.messages))
	copy(result, sb.messages)
	return result
}

// RemoveMessages removes specific messages by their IDs
func (sb *StatusBuffer) RemoveMessages(ids []string) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	idMap := make(map[string]bool, len(ids))
	for _, id := range ids {
		idMap[id] = true
	}

	kept := make([]BufferedMessage, 0, len(sb.messages))
	for _, msg := range sb.messages {
		if !idMap[msg.ID] {
			kept = append(kept, msg)
		}
	}
	removed := len(sb.messages) - len(kept)
	sb.messages = kept

	if err := sb.saveToDiskLocked(); err != nil {
		return fmt.Errorf("failed to persist buffer after removal: %w", err)
	}

	debug.Info("Removed %d messages from buffer (%d remaining)", removed, len(sb.messages))
	return nil
}

// Clear removes all messages from the buffer and disk
func (sb *StatusBuffer) Clear() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.messages = make([]BufferedMessage, 0)
	if err := sb.fs.Remove(sb.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove buffer file: %w", err)
	}
	return nil
}

// LoadFromDisk loads buffered messages from disk
func (sb *StatusBuffer) LoadFromDisk() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	data, err := afero.ReadFile(sb.fs, sb.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read buffer file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var messages []BufferedMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("failed to unmarshal buffer: %w", err)
	}

	sb.messages = messages
	debug.Info("Loaded %d messages from buffer", len(messages))
	return nil
}

// saveToDiskLocked saves to disk (caller must hold lock)
func (sb *StatusBuffer) saveToDiskLocked() error {
	if len(sb.messages) == 0 {
		if err := sb.fs.Remove(sb.filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty buffer file: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(sb.messages, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal buffer: %w", err)
	}

	tempFile := sb.filePath + ".tmp"
	if err := afero.WriteFile(sb.fs, tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp buffer file: %w", err)
	}
	if err := sb.fs.Rename(tempFile, sb.filePath); err != nil {
		sb.fs.Remove(tempFile)
		return fmt.Errorf("failed to rename buffer file: %w", err)
	}
	return nil
}

// Count returns the number of buffered messages
func (sb *StatusBuffer) Count() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.messages)
}

// TypeFor classifies a status payload: anything but IN_PROGRESS ends a job
// and must be delivered.
func TypeFor(payload []byte) MessageType {
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &status); err == nil && status.Status == "IN_PROGRESS" {
		return MessageTypeJobProgress
	}
	return MessageTypeJobStatus
}
