package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
		want any
	}{
		{
			name: "system init",
			data: `{"event":"system/init","session_id":"sess-1","control_host":"sess-9","members":["sess-1","sess-9"]}`,
			want: SystemInit{SessionID: "sess-1", ControlHost: "sess-9", Members: []string{"sess-1", "sess-9"}},
		},
		{
			name: "system init with cookies",
			data: `{"event":"system/init","session_id":"sess-1","cookies":[{"name":"sid","value":"abc","domain":".youtube.com"}]}`,
			want: SystemInit{SessionID: "sess-1", Cookies: []Cookie{{Name: "sid", Value: "abc", Domain: ".youtube.com"}}},
		},
		{
			name: "control locked",
			data: `{"event":"control/locked","id":"sess-2"}`,
			want: ControlLocked{ID: "sess-2"},
		},
		{
			name: "control release",
			data: `{"event":"control/release","id":"sess-2"}`,
			want: ControlReleased{ID: "sess-2"},
		},
		{
			name: "control requesting",
			data: `{"event":"control/requesting","id":"sess-3"}`,
			want: ControlRequesting{ID: "sess-3"},
		},
		{
			name: "system disconnect",
			data: `{"event":"system/disconnect","message":"kicked: duplicate login"}`,
			want: SystemDisconnect{Message: "kicked: duplicate login"},
		},
		{
			name: "system error",
			data: `{"event":"system/error","message":"internal"}`,
			want: SystemError{Message: "internal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessageRejectsUnknownEvent(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"event":"screen/resize","width":1280}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown relay event")
}

func TestDecodeMessageRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"event":`))
	assert.Error(t, err)
}
