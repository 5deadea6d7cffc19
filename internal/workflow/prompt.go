package workflow

import (
	"fmt"
	"strings"

	"github.com/kode4food/sortie/pkg/api"
)

// CompletionMarker must be emitted by every agent step's command when it
// finishes its work. Prompts instruct the agent to print it; the engine
// itself relies only on exit codes
const CompletionMarker = "SORTIE_STEP_COMPLETE"

// PromptFor renders the deterministic instruction text handed to the
// agent running the given step. Artifact names and the completion marker
// are embedded verbatim so the same step always produces the same prompt
func PromptFor(step *api.WorkflowStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are performing the %q step of a mission.\n\n",
		step.Name)
	if len(step.Inputs) > 0 {
		b.WriteString("Read the following input artifacts from the " +
			"artifacts directory before starting:\n")
		for _, in := range step.Inputs {
			fmt.Fprintf(&b, "  - %s\n", in)
		}
		b.WriteString("\n")
	}
	if step.Output != "" {
		fmt.Fprintf(&b,
			"Write your result to the artifacts directory as %s.\n\n",
			step.Output)
	}
	fmt.Fprintf(&b,
		"When the step is fully complete, print the line %s and exit 0. "+
			"Exit nonzero if the step cannot be completed.\n",
		CompletionMarker)
	return b.String()
}
