package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBotDetection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "sign-in wall",
			err:  errors.New("Sign in to confirm you’re not a bot"),
			want: true,
		},
		{
			name: "captcha",
			err:  errors.New("please solve the CAPTCHA to continue"),
			want: true,
		},
		{
			name: "http 429",
			err:  errors.New("unexpected status code: 429"),
			want: true,
		},
		{
			name: "rate limit phrasing",
			err:  errors.New("request was rate limited by upstream"),
			want: true,
		},
		{
			name: "age restriction",
			err:  errors.New("this video is age-restricted"),
			want: true,
		},
		{
			name: "plain network error",
			err:  errors.New("dial tcp: connection refused"),
			want: false,
		},
		{
			name: "format error",
			err:  errors.New("no audio formats found for video"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBotDetection(tt.err))
		})
	}
}

func TestClassifyWrapsBotDetection(t *testing.T) {
	err := Classify(errors.New("received HTTP 429 too many requests"))
	assert.ErrorIs(t, err, ErrBotDetection)
}

func TestClassifyPassesOtherErrorsThrough(t *testing.T) {
	orig := errors.New("stream URL resolution failed")
	err := Classify(orig)
	assert.Equal(t, orig, err)
	assert.False(t, errors.Is(err, ErrBotDetection))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}
