package throttle

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_ThrottleWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("write events always proceed", prop.ForAll(
		func(lastSec, deltaMs int64, file string) bool {
			state := State{LastTimeSent: time.Unix(lastSec, 0), LastFileSent: file, HasSent: true}
			ev := Event{File: file, IsWrite: true, Time: time.Unix(lastSec, 0).Add(time.Duration(deltaMs) * time.Millisecond)}
			return Decide(state, ev, DefaultInterval) == Proceed
		},
		gen.Int64Range(1, 4000000000),
		gen.Int64Range(0, 600000),
		gen.AlphaString(),
	))

	properties.Property("same-file reads inside the window are suppressed", prop.ForAll(
		func(lastSec, deltaMs int64, file string) bool {
			state := State{LastTimeSent: time.Unix(lastSec, 0), LastFileSent: file, HasSent: true}
			ev := Event{File: file, Time: time.Unix(lastSec, 0).Add(time.Duration(deltaMs) * time.Millisecond)}
			return Decide(state, ev, DefaultInterval) == Suppress
		},
		gen.Int64Range(1, 4000000000),
		gen.Int64Range(0, 120000),
		gen.AlphaString(),
	))

	properties.Property("same-file reads after the window proceed", prop.ForAll(
		func(lastSec, deltaMs int64, file string) bool {
			state := State{LastTimeSent: time.Unix(lastSec, 0), LastFileSent: file, HasSent: true}
			ev := Event{File: file, Time: time.Unix(lastSec, 0).Add(time.Duration(deltaMs) * time.Millisecond)}
			return Decide(state, ev, DefaultInterval) == Proceed
		},
		gen.Int64Range(1, 4000000000),
		gen.Int64Range(120001, 86400000),
		gen.AlphaString(),
	))

	properties.Property("a different file always proceeds", prop.ForAll(
		func(lastSec, deltaMs int64, file string) bool {
			state := State{LastTimeSent: time.Unix(lastSec, 0), LastFileSent: file, HasSent: true}
			ev := Event{File: file + ".other", Time: time.Unix(lastSec, 0).Add(time.Duration(deltaMs) * time.Millisecond)}
			return Decide(state, ev, DefaultInterval) == Proceed
		},
		gen.Int64Range(1, 4000000000),
		gen.Int64Range(0, 600000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
