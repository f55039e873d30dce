package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"system.kernel": true},
			},
			wantErr: false,
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "Processing...",
			},
			wantErr: false,
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				CommandID: "cmd-123",
				Duration:  1.5,
			},
			wantErr: false,
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Code:      CodeInvalidParams,
				Message:   "failed to parse params",
				Retryable: false,
			},
			wantErr: false,
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data: &ExitMessage{
				Reason:        "completed",
				ExitCode:      0,
				SelfDeleted:   true,
				CommandsTotal: 5,
			},
			wantErr: false,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				// Verify output is valid JSON
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","platform":"linux","arch":"amd64","pid":1234,"capabilities":{"system.kernel":true}}}`,
			wantErr: false,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode command message",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"system.kernel","timeout":30,"params":{"params":{"quiet":true}}}}`,
			wantErr: false,
			msgType: MessageTypeCommand,
		},
		{
			name:    "decode event message",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{"command_id":"cmd-123","level":"info","message":"Processing"}}`,
			wantErr: false,
			msgType: MessageTypeEvent,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cmdType CommandType
	}{
		{
			name:    "valid kernel command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"system.kernel","timeout":30,"params":{"params":{"quiet":true}}}}`,
			wantErr: false,
			cmdType: CommandTypeSystemKernel,
		},
		{
			name:    "valid user.env command",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-124","type":"user.env","timeout":10,"params":{"section":"dev","home":"/home/u","vars":{"EDITOR":"vim"}}}}`,
			wantErr: false,
			cmdType: CommandTypeUserEnv,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing command id",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"type":"system.kernel","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z","data":{"id":"cmd-123","type":"system.kernel","timeout":0,"params":{}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			cmd, err := dec.DecodeCommand()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cmd.Type != tt.cmdType {
					t.Errorf("Command type = %v, want %v", cmd.Type, tt.cmdType)
				}
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	type params struct {
		Section string            `json:"section"`
		Vars    map[string]string `json:"vars"`
	}

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{
			name:    "known fields",
			params:  `{"section":"dev","vars":{"EDITOR":"vim"}}`,
			wantErr: false,
		},
		{
			name:    "unknown field",
			params:  `{"section":"dev","varz":{}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			params:  `{invalid}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target params
			err := ParseParams(json.RawMessage(tt.params), &target)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd, err := NewCommand(CommandTypeSystemEnv, map[string]any{"vars": map[string]string{"A": "1"}}, 90*time.Second)
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}
	if cmd.ID == "" || cmd.Timeout != 90 {
		t.Fatalf("unexpected command %+v", cmd)
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeCommand(cmd); err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	got, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand() error = %v", err)
	}
	if got.ID != cmd.ID || got.Type != CommandTypeSystemEnv {
		t.Errorf("decoded %+v, want %+v", got, cmd)
	}
	if string(got.Params) != `{"vars":{"A":"1"}}` {
		t.Errorf("params = %s", got.Params)
	}
}

func TestDecodeEOF(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("")).Decode()
	if err != io.EOF {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}
