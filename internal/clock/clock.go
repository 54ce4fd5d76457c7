package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so billing decisions can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real UTC time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return SystemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
