package prompts

import "fmt"

// EmptyResponseNudge is injected when the model returns neither content
// nor tool calls. It gives the model one more chance to answer.
const EmptyResponseNudge = "You did not provide a response to the user. Please respond now."

// EmptyResponseFallback is shown when the model stays silent even after
// the nudge.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// ExhaustedNotice is the degraded answer for a turn that hit the tool
// round limit. partial is whatever text the model produced alongside
// its last tool request and may be empty.
func ExhaustedNotice(rounds int, partial string) string {
	notice := fmt.Sprintf("_I stopped after %d rounds of tool calls without reaching a final answer._", rounds)
	if partial == "" {
		return notice
	}
	return partial + "\n\n" + notice
}

const taskFireTemplate = `A scheduled task is due.

Task: %s
Scheduled for: %s

%s`

// TaskFirePrompt is the user message the scheduler sends when a task
// fires. prompt is the instruction stored with the task; when empty the
// description is used.
func TaskFirePrompt(description, prompt, due string) string {
	if prompt == "" {
		prompt = "Carry out this task now: " + description
	}
	return fmt.Sprintf(taskFireTemplate, description, due, prompt)
}
