// /internal/extract/classify.go
package extract

import (
	"errors"
	"strings"
)

// ErrBotDetection marks an extraction failure caused by an upstream bot
// wall (CAPTCHA, sign-in requirement, rate limiting). Callers use it to
// decide whether the browser relay should take over for the video.
var ErrBotDetection = errors.New("extraction blocked by bot detection")

var botDetectionPhrases = []string{
	"sign in to confirm",
	"sign in to continue",
	"login required",
	"captcha",
	"confirm you're not a bot",
	"confirm your age",
	"age-restricted",
	"age restricted",
	"429",
	"too many requests",
	"rate limit",
	"rate-limit",
}

// Classify wraps err with ErrBotDetection when its message matches the
// known bot-wall heuristics; any other error is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsBotDetection(err) {
		return errors.Join(ErrBotDetection, err)
	}
	return err
}

// IsBotDetection reports whether err looks like an upstream bot wall.
func IsBotDetection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBotDetection) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range botDetectionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
