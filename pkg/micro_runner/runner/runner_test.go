package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
)

type fakeDispatcher struct {
	results map[protocol.CommandType]*engine.Result
	err     error
}

func (d *fakeDispatcher) Capabilities() map[string]bool {
	caps := map[string]bool{}
	for ct := range d.results {
		caps[string(ct)] = true
	}
	return caps
}

func (d *fakeDispatcher) Handle(_ context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*engine.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	res, ok := d.results[cmd.Type]
	if !ok {
		return nil, &handlers.UnsupportedError{Type: cmd.Type}
	}
	events <- &protocol.EventMessage{CommandID: cmd.ID, Level: "info", Message: "working"}
	return res, nil
}

type recorder struct {
	seen []string
}

func (r *recorder) Observe(cmd *protocol.CommandMessage, _ *engine.Result, _ time.Duration) {
	r.seen = append(r.seen, string(cmd.Type))
}

func commands(t *testing.T, cmds ...*protocol.CommandMessage) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	for _, cmd := range cmds {
		require.NoError(t, enc.EncodeCommand(cmd))
	}
	return &buf
}

func readAll(t *testing.T, out *bytes.Buffer) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(out)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

func types(msgs []*protocol.Message) []protocol.MessageType {
	out := make([]protocol.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func kernelResult() *engine.Result {
	res := engine.NewResult("system.kernel")
	res.Record(engine.ItemResult{Name: "param", Target: "quiet", Status: engine.StatusCreated})
	res.Finish()
	return res
}

func TestServe(t *testing.T) {
	d := &fakeDispatcher{results: map[protocol.CommandType]*engine.Result{
		protocol.CommandTypeSystemKernel: kernelResult(),
	}}
	obs := &recorder{}
	in := commands(t, &protocol.CommandMessage{ID: "c1", Type: protocol.CommandTypeSystemKernel, Timeout: 5, Params: json.RawMessage(`{}`)})
	var out bytes.Buffer

	code := New(zerolog.Nop(), d, in, &out, Config{Observer: obs}).Serve(context.Background())
	assert.Equal(t, 0, code)

	msgs := readAll(t, &out)
	require.Equal(t, []protocol.MessageType{
		protocol.MessageTypeReady,
		protocol.MessageTypeEvent,
		protocol.MessageTypeDone,
		protocol.MessageTypeExit,
	}, types(msgs))

	var ready protocol.ReadyMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ready))
	assert.Equal(t, Version, ready.Version)
	assert.True(t, ready.Supports(protocol.CommandTypeSystemKernel))

	var done protocol.DoneMessage
	require.NoError(t, json.Unmarshal(msgs[2].Data, &done))
	assert.Equal(t, "c1", done.CommandID)
	assert.True(t, done.Changed)
	assert.Equal(t, string(engine.StatusCreated), done.Status)

	var res engine.Result
	require.NoError(t, json.Unmarshal(done.Result, &res))
	assert.Equal(t, "system.kernel", res.Plugin)

	var exit protocol.ExitMessage
	require.NoError(t, json.Unmarshal(msgs[3].Data, &exit))
	assert.Equal(t, "stdin_closed", exit.Reason)
	assert.Equal(t, 1, exit.CommandsTotal)
	assert.False(t, exit.SelfDeleted)

	assert.Equal(t, []string{"system.kernel"}, obs.seen)
}

func TestServeRejects(t *testing.T) {
	d := &fakeDispatcher{results: map[protocol.CommandType]*engine.Result{}}
	in := commands(t,
		&protocol.CommandMessage{ID: "c1", Type: protocol.CommandTypeUserEnv, Timeout: 5, Params: json.RawMessage(`{}`)},
	)
	// a structurally invalid command is rejected without stopping the loop
	var raw bytes.Buffer
	require.NoError(t, protocol.NewEncoder(&raw).Encode(protocol.MessageTypeCommand,
		map[string]any{"id": "c2", "type": "legacy.exec", "timeout": 5}))
	var out bytes.Buffer

	code := New(zerolog.Nop(), d, io.MultiReader(in, &raw), &out, Config{}).Serve(context.Background())
	assert.Equal(t, 0, code)

	msgs := readAll(t, &out)
	require.Equal(t, []protocol.MessageType{
		protocol.MessageTypeReady,
		protocol.MessageTypeError,
		protocol.MessageTypeError,
		protocol.MessageTypeExit,
	}, types(msgs))

	// rejects from the reader and the command loop may interleave
	codes := map[string]string{}
	for _, msg := range msgs[1:3] {
		var errMsg protocol.ErrorMessage
		require.NoError(t, json.Unmarshal(msg.Data, &errMsg))
		codes[errMsg.CommandID] = errMsg.Code
	}
	assert.Equal(t, map[string]string{
		"c1": protocol.CodeUnsupported,
		"c2": protocol.CodeInvalidCommand,
	}, codes)
}

func TestServeParamsError(t *testing.T) {
	d := &fakeDispatcher{err: &handlers.ParamsError{Type: protocol.CommandTypeSystemEnv, Err: io.ErrUnexpectedEOF}}
	in := commands(t, &protocol.CommandMessage{ID: "c1", Type: protocol.CommandTypeSystemEnv, Timeout: 5, Params: json.RawMessage(`{}`)})
	var out bytes.Buffer

	New(zerolog.Nop(), d, in, &out, Config{}).Serve(context.Background())

	msgs := readAll(t, &out)
	require.Len(t, msgs, 3)
	var errMsg protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(msgs[1].Data, &errMsg))
	assert.Equal(t, protocol.CodeInvalidParams, errMsg.Code)
}

func TestServeTTL(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer

	code := New(zerolog.Nop(), &fakeDispatcher{}, pr, &out, Config{TTL: 20 * time.Millisecond}).Serve(context.Background())
	assert.Equal(t, 0, code)

	msgs := readAll(t, &out)
	require.Len(t, msgs, 2)
	var exit protocol.ExitMessage
	require.NoError(t, json.Unmarshal(msgs[1].Data, &exit))
	assert.Equal(t, "ttl_expired", exit.Reason)
}

func TestServeTTLCountsIdleTime(t *testing.T) {
	d := &fakeDispatcher{results: map[protocol.CommandType]*engine.Result{
		protocol.CommandTypeSystemKernel: kernelResult(),
	}}
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer

	go func() {
		enc := protocol.NewEncoder(pw)
		for _, id := range []string{"c1", "c2", "c3", "c4"} {
			time.Sleep(40 * time.Millisecond)
			if err := enc.EncodeCommand(&protocol.CommandMessage{ID: id, Type: protocol.CommandTypeSystemKernel, Timeout: 5, Params: json.RawMessage(`{}`)}); err != nil {
				return
			}
		}
	}()

	// the session outlives the TTL because no gap exceeds it
	code := New(zerolog.Nop(), d, pr, &out, Config{TTL: 120 * time.Millisecond}).Serve(context.Background())
	assert.Equal(t, 0, code)

	msgs := readAll(t, &out)
	require.Len(t, msgs, 10)
	var exit protocol.ExitMessage
	require.NoError(t, json.Unmarshal(msgs[9].Data, &exit))
	assert.Equal(t, "ttl_expired", exit.Reason)
	assert.Equal(t, 4, exit.CommandsTotal)
}

func TestServeCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := New(zerolog.Nop(), &fakeDispatcher{}, pr, &out, Config{}).Serve(ctx)
	assert.Equal(t, 0, code)

	msgs := readAll(t, &out)
	require.Len(t, msgs, 2)
	var exit protocol.ExitMessage
	require.NoError(t, json.Unmarshal(msgs[1].Data, &exit))
	assert.Equal(t, "canceled", exit.Reason)
}

func TestServeMalformedInput(t *testing.T) {
	var out bytes.Buffer

	code := New(zerolog.Nop(), &fakeDispatcher{}, bytes.NewBufferString("not json\n"), &out, Config{}).Serve(context.Background())
	assert.Equal(t, 1, code)

	msgs := readAll(t, &out)
	require.Len(t, msgs, 2)
	var exit protocol.ExitMessage
	require.NoError(t, json.Unmarshal(msgs[1].Data, &exit))
	assert.Equal(t, "error", exit.Reason)
	assert.Equal(t, 1, exit.ExitCode)
}
