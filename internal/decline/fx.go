package decline

import "go.uber.org/fx"

var Module = fx.Module("decline",
	fx.Provide(NewClassifier),
)
