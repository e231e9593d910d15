package policy

import (
	"context"
	"fmt"

	"github.com/selfie-sh/selfie/pkg/engine"
)

// AvailabilityPolicy names the violations produced by CheckAvailability.
const AvailabilityPolicy = "command-availability"

// shell builtins never resolve to a file and are always present.
var shellBuiltins = map[string]bool{
	"command": true, "test": true, "[": true, "echo": true, "true": true,
	"false": true, "cd": true, "export": true, "type": true, "eval": true,
	"exec": true, "set": true, ".": true, "source": true, "if": true,
}

// CheckAvailability warns about commands in env whose program lookup cannot
// find. It only makes sense for the host the commands will run on.
func CheckAvailability(ctx context.Context, rec engine.PackageRecord, env string, lookup func(context.Context, string) bool) []Violation {
	var warnings []Violation
	checked := make(map[string]bool)

	for _, cmd := range NewInput(rec, env).Commands {
		if cmd.Base == "" || shellBuiltins[cmd.Base] || checked[cmd.Base] {
			continue
		}
		checked[cmd.Base] = true

		if lookup(ctx, cmd.Base) {
			continue
		}
		warnings = append(warnings, Violation{
			Policy:      AvailabilityPolicy,
			Package:     rec.Name,
			Environment: cmd.Environment,
			Field:       cmd.Field,
			Command:     cmd.Command,
			Message:     fmt.Sprintf("command '%s' not found in environment '%s'", cmd.Base, cmd.Environment),
			Severity:    SeverityWarning,
			Remediation: "Install it first or add the package providing it as a dependency",
		})
	}
	return warnings
}
