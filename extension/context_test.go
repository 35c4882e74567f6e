package extension

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire/crosswire/errors"
	"github.com/crosswire/crosswire/types"
)

func TestContextEmit(t *testing.T) {
	var captured types.GatewayEvent
	ec := NewContext("voice", map[string]any{"rate": 1.5}, nil, Hooks{
		Emit: func(ev types.GatewayEvent) error {
			captured = ev
			return nil
		},
	})

	err := ec.Emit("voice.spoken", map[string]any{"text": "hi"},
		WithSource("phone/+15550100"),
		WithConnectionID("conn-1"),
		WithSessionID("sess-9"),
		WithTags("urgent"))
	require.NoError(t, err)

	assert.Equal(t, "voice.spoken", captured.Type)
	assert.Equal(t, "voice", captured.Origin)
	assert.Equal(t, "phone/+15550100", captured.Source)
	assert.Equal(t, "conn-1", captured.ConnectionID)
	assert.Equal(t, "sess-9", captured.SessionID)
	assert.Equal(t, []string{"urgent"}, captured.Tags)
	assert.JSONEq(t, `{"text":"hi"}`, string(captured.Payload))
}

func TestContextEmit_NoHook(t *testing.T) {
	ec := NewContext("voice", nil, nil, Hooks{})
	err := ec.Emit("voice.spoken", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotStarted))
}

func TestContextCall_LocalUnsupported(t *testing.T) {
	ec := NewContext("voice", nil, nil, Hooks{})
	_, err := ec.Call(context.Background(), "other.method", nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNestedCallUnsupported))
	assert.True(t, errors.IsFatal(err))
}

func TestContextOn(t *testing.T) {
	var gotPattern string
	unsubscribed := false
	ec := NewContext("voice", nil, nil, Hooks{
		Subscribe: func(pattern string, handler EventHandler) func() {
			gotPattern = pattern
			return func() { unsubscribed = true }
		},
	})

	off := ec.On("session.*", func(types.GatewayEvent) {})
	assert.Equal(t, "session.*", gotPattern)
	off()
	assert.True(t, unsubscribed)
}

func TestContextScoping(t *testing.T) {
	ec := NewContext("voice", map[string]any{"rate": 1.5}, nil, Hooks{})
	assert.Equal(t, "voice", ec.ExtensionID())
	assert.Equal(t, 1.5, ec.Config()["rate"])
	assert.NotNil(t, ec.Logger())
}
