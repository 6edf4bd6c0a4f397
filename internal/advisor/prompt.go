package advisor

import (
	"fmt"
	"strings"
)

func suggestPrompt(input SuggestInput) string {
	family, _, _ := strings.Cut(input.CurrentType, ".")

	var b strings.Builder
	b.WriteString("You are optimizing AWS EC2 instance sizing.\n\n")
	fmt.Fprintf(&b, "Current instance type: %s\n", input.CurrentType)
	fmt.Fprintf(&b, "Architecture: %s\n", input.Architecture)
	fmt.Fprintf(&b, "Action recommended: %s (based on CPU usage analysis).\n", strings.ToUpper(string(input.Decision)))
	fmt.Fprintf(&b, "Instance family: %s\n\n", family)
	fmt.Fprintf(&b, "Available options for %s in this region (choose strictly from this list):\n", input.Architecture)
	b.WriteString(strings.Join(trimCandidates(input.Candidates), ", "))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Recommend a new instance type that represents a logical %s (next size up/down). Avoid unnecessary large jumps.\n\n", input.Decision)
	b.WriteString("Respond with only the instance type name.")
	return b.String()
}

var assessExamples = []struct {
	current, desired, response string
}{
	{"t2.micro", "t2.medium", "VALID. The t2.medium offers more resources within the same instance family."},
	{"t2.micro", "c5.large", "NOT_VALID. This is a change from a general-purpose to a compute-optimized family, which may be illogical without more context."},
	{"t2.micro", "t3.micro", "VALID. T3 instances are the next generation of general-purpose instances, making this a logical upgrade."},
	{"t3.small", "m5.large", "NOT_VALID. This is a jump from a burstable general-purpose instance to a fixed-performance one, which may not be a logical upgrade."},
	{"t2.large", "t2.medium", "NOT_VALID. This is a downgrade in size within the same instance family."},
}

func assessPrompt(input AssessInput) string {
	available := ""
	if !input.AvailableForArch {
		available = "NOT "
	}
	size := "downgrade or side-grade"
	if input.SizeIncrease {
		size = "increase"
	}
	family := "are in DIFFERENT families"
	if input.SameFamily {
		family = "are in the same family"
	}

	var b strings.Builder
	b.WriteString("You are an expert AWS solutions architect.\n")
	b.WriteString("Your task is to analyze an EC2 instance resize request.\n")
	fmt.Fprintf(&b, "Current instance type: %s\n", input.CurrentType)
	fmt.Fprintf(&b, "Desired instance type: %s\n", input.RequestedType)
	fmt.Fprintf(&b, "Operating System: %s\n", input.OperatingSystem)
	fmt.Fprintf(&b, "Architecture: %s\n\n", input.Architecture)
	b.WriteString("# Facts established before this request\n")
	fmt.Fprintf(&b, "1. The requested instance type is %savailable for this architecture.\n", available)
	fmt.Fprintf(&b, "2. The requested change is a %s in size.\n", size)
	fmt.Fprintf(&b, "3. The current and desired instance types %s.\n\n", family)
	b.WriteString("Determine if the desired instance type is a valid and logical upgrade. A change is valid if:\n")
	b.WriteString("* Architecture Compatibility: the architecture of the requested instance must be the same.\n")
	b.WriteString("* Logical Progression: the change stays within the same or a compatible family (e.g., T3 to T4g).\n")
	b.WriteString("* True Upgrade: the change must not be a downgrade.\n\n")
	b.WriteString("Respond with 'VALID' if the request is logical and compatible, or 'NOT_VALID' if it is not. Provide a one-sentence reason.\n\n")
	for i, ex := range assessExamples {
		fmt.Fprintf(&b, "Example %d:\nCurrent type: %s\nDesired type: %s\nResponse: %s\n\n", i+1, ex.current, ex.desired, ex.response)
	}
	b.WriteString("Your response should follow the format 'VALID/NOT_VALID. [Reason].'")
	return b.String()
}
