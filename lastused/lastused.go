// Package lastused encodes the per-target activity entries written after each
// deployment and read by the reaper.
package lastused

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
)

// Suffix ends every last-used key.
const Suffix = ".last-used"

// Key returns "<application>.<environment>.last-used".
func Key(target payload.Target) string {
	return target.Application + "." + target.Environment + Suffix
}

// ParseKey extracts the target from a key written by Key.
func ParseKey(key string) (payload.Target, bool) {
	rest, ok := strings.CutSuffix(key, Suffix)
	if !ok {
		return payload.Target{}, false
	}
	app, env, ok := strings.Cut(rest, ".")
	if !ok || app == "" || env == "" || strings.Contains(env, ".") {
		return payload.Target{}, false
	}
	return payload.Target{Application: app, Environment: env}, true
}

// Encode renders t as unix seconds.
func Encode(t time.Time) []byte {
	sec := float64(t.UnixNano()) / float64(time.Second)
	return []byte(strconv.FormatFloat(sec, 'f', 3, 64))
}

// Decode parses a value written by Encode.
func Decode(value []byte) (time.Time, error) {
	sec, err := strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
	if err != nil {
		return time.Time{}, errors.WrapInvalid(err, "LastUsed", "Decode", "parse timestamp")
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond)), nil
}
