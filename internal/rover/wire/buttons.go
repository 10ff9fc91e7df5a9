package wire

import (
	"fmt"
	"strings"
)

// Button bit positions within the telemetry bitfield and command mask.
const (
	Button1 uint8 = 1 << 0
	Button2 uint8 = 1 << 1
	Button3 uint8 = 1 << 2
	Button4 uint8 = 1 << 3
)

// ButtonMask returns the mask covering the first n buttons. Profiles
// declare either 4 or 8 meaningful buttons; anything else is clamped.
func ButtonMask(n int) uint8 {
	if n <= 0 {
		return 0
	}
	if n >= 8 {
		return 0xFF
	}
	return uint8(1<<uint(n)) - 1
}

// ButtonStateString renders a bitfield as a human-readable list, for
// example "B1+B3" or "none". Only the first buttonCount bits are shown.
func ButtonStateString(states uint8, buttonCount int) string {
	states &= ButtonMask(buttonCount)
	if states == 0 {
		return "none"
	}
	var parts []string
	for i := 0; i < buttonCount; i++ {
		if states&(1<<uint(i)) != 0 {
			parts = append(parts, fmt.Sprintf("B%d", i+1))
		}
	}
	return strings.Join(parts, "+")
}
