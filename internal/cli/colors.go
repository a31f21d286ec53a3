package cli

import "github.com/autoforge/autoforge/internal/cyclestate"

// ANSI escape codes for terminal colors.
const (
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

// stateDisplay returns the symbol and color for a worker's live state.
func stateDisplay(state cyclestate.State) (symbol, color string) {
	switch state {
	case cyclestate.StateRunning, cyclestate.StateMerging:
		return "⟳", ansiYellow
	case cyclestate.StateCommitted:
		return "✓", ansiGreen
	case cyclestate.StateFailed:
		return "✗", ansiRed
	case cyclestate.StateIdle:
		return "·", ansiDim
	default:
		return "◯", ansiReset
	}
}
