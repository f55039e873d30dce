package protocol

import (
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		wantErr bool
	}{
		{"valid READY", MessageTypeReady, false},
		{"valid CMD", MessageTypeCommand, false},
		{"valid EVENT", MessageTypeEvent, false},
		{"valid DONE", MessageTypeDone, false},
		{"valid ERROR", MessageTypeError, false},
		{"valid EXIT", MessageTypeExit, false},
		{"invalid type", MessageType("INVALID"), true},
		{"empty type", MessageType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msgType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("MessageType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmdType CommandType
		wantErr bool
	}{
		{"valid files.install", CommandTypeFilesInstall, false},
		{"valid files.fetch", CommandTypeFilesFetch, false},
		{"valid persist.from", CommandTypePersistFrom, false},
		{"valid persist.to", CommandTypePersistTo, false},
		{"valid system.kernel", CommandTypeSystemKernel, false},
		{"valid system.services", CommandTypeSystemServices, false},
		{"valid system.stop", CommandTypeSystemStop, false},
		{"valid system.env", CommandTypeSystemEnv, false},
		{"valid user.layout", CommandTypeUserLayout, false},
		{"valid user.env", CommandTypeUserEnv, false},
		{"legacy exec", CommandType("exec"), true},
		{"invalid type", CommandType("invalid"), true},
		{"empty type", CommandType(""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmdType.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandType.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *CommandMessage
		wantErr bool
	}{
		{
			name: "valid command",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandTypeSystemKernel,
				Timeout: 30,
				Params:  []byte(`{"params":{"quiet":true}}`),
			},
			wantErr: false,
		},
		{
			name: "missing ID",
			cmd: &CommandMessage{
				Type:    CommandTypeSystemKernel,
				Timeout: 30,
				Params:  []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "invalid type",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandType("invalid"),
				Timeout: 30,
				Params:  []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "zero timeout",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandTypeSystemKernel,
				Timeout: 0,
				Params:  []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "negative timeout",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandTypeSystemKernel,
				Timeout: -1,
				Params:  []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "empty params",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandTypeSystemKernel,
				Timeout: 30,
				Params:  []byte{},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("CommandMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		evt     *EventMessage
		wantErr bool
	}{
		{
			name: "valid event",
			evt: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "Processing",
			},
			wantErr: false,
		},
		{
			name: "valid event with progress",
			evt: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "Downloading",
				Progress: &ProgressInfo{
					Current: 50,
					Total:   100,
					Unit:    "bytes",
				},
			},
			wantErr: false,
		},
		{
			name: "missing command ID",
			evt: &EventMessage{
				Level:   "info",
				Message: "Processing",
			},
			wantErr: true,
		},
		{
			name: "invalid level",
			evt: &EventMessage{
				CommandID: "cmd-123",
				Level:     "invalid",
				Message:   "Processing",
			},
			wantErr: true,
		},
		{
			name: "empty level defaults to info",
			evt: &EventMessage{
				CommandID: "cmd-123",
				Message:   "Processing",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("EventMessage.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadySupports(t *testing.T) {
	ready := &ReadyMessage{Caps: map[string]bool{"user.env": true}}
	if !ready.Supports(CommandTypeUserEnv) {
		t.Error("expected user.env to be supported")
	}
	if ready.Supports(CommandTypeSystemEnv) {
		t.Error("expected system.env to be unsupported")
	}

	var missing *ReadyMessage
	if missing.Supports(CommandTypeUserEnv) {
		t.Error("nil ready message supports nothing")
	}
}
