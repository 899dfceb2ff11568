package typer

import (
	"time"

	"github.com/go-vgo/robotgo"
)

// interKeySleep lets window managers with bounded input queues keep up
// with batched backspaces.
const interKeySleep = 15 * time.Millisecond

// RobotgoKeys issues real keyboard events via robotgo.
type RobotgoKeys struct{}

// TypeText types s at the focused window.
func (RobotgoKeys) TypeText(s string) {
	if s == "" {
		return
	}
	robotgo.TypeStr(s)
}

// Backspace sends count backspace key presses.
func (RobotgoKeys) Backspace(count int) {
	for i := 0; i < count; i++ {
		robotgo.KeyTap("backspace")
	}
}

// Sleep pauses briefly between backspace batches.
func (RobotgoKeys) Sleep() {
	time.Sleep(interKeySleep)
}
