package supervisor

import "fmt"

// RecoveryMessage is broadcast when the cooldown has elapsed and the agent goes
// back to the cloud provider.
const RecoveryMessage = "✅ Cooldown elapsed: automatically switching back to **cloud LLM**."

// LocalSwitchMessage is broadcast when a rate limit moves the agent to model.
func LocalSwitchMessage(model string) string {
	return fmt.Sprintf("⚠️ Cloud LLM rate limit detected.\n"+
		"Switched main agent to **local model (%s)**.\n"+
		"Chat is unaffected. Code actions will require confirmation.", model)
}

// BlockReason explains how to confirm a blocked code action.
func BlockReason(phrase string) string {
	return fmt.Sprintf("🔒 The agent is running on a local model. "+
		"Code actions require confirmation: include \"%s\" in your message to proceed.", phrase)
}

// ForcedModeMessage is broadcast when an operator sets the mode.
func ForcedModeMessage(mode Mode) string {
	return fmt.Sprintf("🔧 An operator switched the main agent to **%s LLM**.", mode)
}
