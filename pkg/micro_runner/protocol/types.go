// Package protocol defines the JSON-over-stdio protocol spoken between the
// foundation CLI and the plugin runner.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a plugin invocation from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries the result of a plugin invocation
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the invocation could not produce a result
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType names the plugin a command invokes.
type CommandType string

const (
	CommandTypeFilesInstall   CommandType = "files.install"
	CommandTypeFilesFetch     CommandType = "files.fetch"
	CommandTypePersistFrom    CommandType = "persist.from"
	CommandTypePersistTo      CommandType = "persist.to"
	CommandTypeSystemKernel   CommandType = "system.kernel"
	CommandTypeSystemServices CommandType = "system.services"
	CommandTypeSystemStop     CommandType = "system.stop"
	CommandTypeSystemEnv      CommandType = "system.env"
	CommandTypeUserLayout     CommandType = "user.layout"
	CommandTypeUserEnv        CommandType = "user.env"
)

// CommandTypes lists every command type a runner understands.
var CommandTypes = []CommandType{
	CommandTypeFilesInstall,
	CommandTypeFilesFetch,
	CommandTypePersistFrom,
	CommandTypePersistTo,
	CommandTypeSystemKernel,
	CommandTypeSystemServices,
	CommandTypeSystemStop,
	CommandTypeSystemEnv,
	CommandTypeUserLayout,
	CommandTypeUserEnv,
}

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the runner advertised the command type.
func (r *ReadyMessage) Supports(ct CommandType) bool {
	return r != nil && r.Caps[string(ct)]
}

// CommandMessage invokes one plugin. Params is the plugin's request.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Progress  *ProgressInfo     `json:"progress,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressInfo contains progress tracking information.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// DoneMessage carries the plugin result of a command. Failed invocations
// are DONE too; their result has status failed and an error.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Status    string            `json:"status"`
	Changed   bool              `json:"changed"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage reports a command the runner could not dispatch, such as
// malformed params or an unknown type.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// Error codes reported in ErrorMessage.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeUnsupported    = "UNSUPPORTED"
	CodeEncodeFailed   = "ENCODE_FAILED"
	CodeInitFailed     = "INIT_FAILED"
)

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	for _, known := range CommandTypes {
		if ct == known {
			return nil
		}
	}
	return fmt.Errorf("invalid command type: %s", ct)
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
