package driver

import (
	"time"
)

// timeSinceLastHumanActivity reports how long ago input activity was last
// detected on this machine. There is no portable way to observe keyboard
// or mouse input from a background process, so the default probe reports
// "no signal", which disables throttling entirely.
func timeSinceLastHumanActivity() time.Duration {
	return -1
}
