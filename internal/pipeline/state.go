package pipeline

import (
	"fmt"
	"strings"
)

// State names one step of a turn.
type State string

const (
	StateValidateInput  State = "ValidateInput"
	StateLoadHistory    State = "LoadHistory"
	StateCallModel      State = "CallModel"
	StateExecuteTools   State = "ExecuteTools"
	StateValidateOutput State = "ValidateOutput"
	StateSaveMemory     State = "SaveMemory"
	StateEnd            State = "End"
)

type edge struct {
	from  State
	to    State
	label string
}

// edges is the complete transition table. Run refuses any step that is not
// listed here.
var edges = []edge{
	{StateValidateInput, StateLoadHistory, "valid"},
	{StateValidateInput, StateEnd, "invalid"},
	{StateLoadHistory, StateCallModel, ""},
	{StateCallModel, StateExecuteTools, "tool calls"},
	{StateCallModel, StateValidateOutput, "final answer"},
	{StateExecuteTools, StateCallModel, ""},
	{StateValidateOutput, StateSaveMemory, ""},
	{StateSaveMemory, StateEnd, ""},
}

func canTransition(from, to State) bool {
	for _, e := range edges {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// Mermaid renders the turn state machine as a mermaid state diagram.
func Mermaid() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&b, "    [*] --> %s\n", StateValidateInput)
	for _, e := range edges {
		to := string(e.to)
		if e.to == StateEnd {
			to = "[*]"
		}
		if e.label == "" {
			fmt.Fprintf(&b, "    %s --> %s\n", e.from, to)
			continue
		}
		fmt.Fprintf(&b, "    %s --> %s: %s\n", e.from, to, e.label)
	}
	return b.String()
}
