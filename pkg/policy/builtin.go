package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	policies := []Policy{
		commandSyntaxPolicy(),
		unsafeRedirectionPolicy(),
		remoteScriptPipePolicy(),
		privilegedCheckPolicy(),
		packageNamingPolicy(),
		commandHintsPolicy(),
	}
	now := time.Now()
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].LoadedAt = now
	}
	return policies
}

// commandSyntaxPolicy rejects commands no shell could parse.
func commandSyntaxPolicy() Policy {
	return Policy{
		Name:        "command-syntax",
		Description: "Rejects commands with unmatched quotes or an empty pipeline stage",
		Severity:    SeverityError,
		Rego: `package selfie.policies.syntax

import rego.v1

deny contains violation if {
	some cmd in input.commands
	cmd.unmatched_quote != ""
	violation := {
		"message": sprintf("Unmatched %s quote in %s command", [cmd.unmatched_quote, cmd.field]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": "Close the quote or escape it",
	}
}

deny contains violation if {
	some cmd in input.commands
	contains(cmd.command, "| |")
	violation := {
		"message": sprintf("Invalid pipe usage in %s command", [cmd.field]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
	}
}`,
	}
}

// unsafeRedirectionPolicy flags output redirected to a path relative to the
// directory selfie happens to run in.
func unsafeRedirectionPolicy() Policy {
	return Policy{
		Name:        "unsafe-redirection",
		Description: "Warns about redirection to a relative path",
		Severity:    SeverityWarning,
		Rego: `package selfie.policies.redirection

import rego.v1

deny contains violation if {
	some cmd in input.commands
	contains(cmd.command, " > ")
	not contains(cmd.command, "> /")
	not contains(cmd.command, "> ~/")
	violation := {
		"message": sprintf("Potential unsafe redirection in %s command", [cmd.field]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": "Redirect to an absolute path",
	}
}`,
	}
}

// remoteScriptPipePolicy flags downloads piped straight into a shell.
func remoteScriptPipePolicy() Policy {
	return Policy{
		Name:        "remote-script-pipe",
		Description: "Warns when downloaded content is piped into a shell",
		Severity:    SeverityWarning,
		Rego: `package selfie.policies.remote_script

import rego.v1

deny contains violation if {
	some cmd in input.commands
	regex.match("(curl|wget)\\s[^|]*\\|\\s*(sudo\\s+)?(ba|z|da)?sh\\b", cmd.command)
	violation := {
		"message": sprintf("%s command pipes a download into a shell", [cmd.field]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": "Download the script, verify it, then run it",
	}
}`,
	}
}

// privilegedCheckPolicy flags checks that need root. A check runs on every
// install and should only inspect the host.
func privilegedCheckPolicy() Policy {
	return Policy{
		Name:        "privileged-check",
		Description: "Warns about sudo inside a check command",
		Severity:    SeverityWarning,
		Rego: `package selfie.policies.privileged_check

import rego.v1

deny contains violation if {
	some cmd in input.commands
	cmd.field == "check"
	regex.match("(^|[;&|(]\\s*)sudo\\s", cmd.command)
	violation := {
		"message": "check command uses sudo",
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": "Use a check that does not need elevated privileges, such as command -v",
	}
}`,
	}
}

// packageNamingPolicy keeps package names usable as file names and CLI
// arguments.
func packageNamingPolicy() Policy {
	return Policy{
		Name:        "package-naming",
		Description: "Package names are lowercase letters, digits, '.', '_', '+' and '-'",
		Severity:    SeverityError,
		Rego: `package selfie.policies.naming

import rego.v1

deny contains violation if {
	name := input.package.name
	not regex.match("^[a-z0-9][a-z0-9._+-]*$", name)
	violation := {
		"message": sprintf("Package name '%s' must be lowercase and use only letters, digits, '.', '_', '+' and '-'", [name]),
	}
}

deny contains violation if {
	name := input.package.name
	count(name) > 128
	violation := {
		"message": sprintf("Package name '%s' must not exceed 128 characters", [name]),
	}
}`,
	}
}

// commandHintsPolicy produces non-blocking hints about install commands.
func commandHintsPolicy() Policy {
	return Policy{
		Name:        "command-hints",
		Description: "Hints about backticks, privilege prompts, downloads and package managers",
		Severity:    SeverityInfo,
		Rego: `package selfie.policies.hints

import rego.v1

recommended_managers := {
	"mac": ["brew", "port", "mas"],
	"darwin": ["brew", "port", "mas"],
	"ubuntu": ["apt", "apt-get", "dpkg"],
	"debian": ["apt", "apt-get", "dpkg"],
	"fedora": ["dnf", "yum", "rpm"],
	"rhel": ["dnf", "yum", "rpm"],
	"centos": ["dnf", "yum", "rpm"],
	"arch": ["pacman", "yay", "paru"],
	"opensuse": ["zypper", "rpm"],
	"windows": ["choco", "scoop", "winget"],
}

sudo_indicators := ["sudo ", "apt ", "apt-get ", "dnf ", "yum ", "pacman ", "zypper ", "systemctl "]

download_indicators := ["curl ", "wget ", "fetch ", "git clone", "git pull", "npm install", "pip install"]

deny contains violation if {
	some cmd in input.commands
	contains(cmd.command, "\u0060")
	violation := {
		"message": sprintf("%s command uses backticks", [cmd.field]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": "Use $(...) for command substitution",
	}
}

deny contains violation if {
	some cmd in input.commands
	cmd.field == "install"
	some indicator in sudo_indicators
	contains(cmd.command, indicator)
	violation := {
		"message": "install command may prompt for elevated privileges",
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
	}
}

deny contains violation if {
	some cmd in input.commands
	cmd.field == "install"
	some indicator in download_indicators
	contains(cmd.command, indicator)
	violation := {
		"message": "install command downloads content from the network",
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
	}
}

deny contains violation if {
	some cmd in input.commands
	cmd.field == "install"
	some pattern, managers in recommended_managers
	contains(lower(cmd.environment), pattern)
	not cmd.base in managers
	violation := {
		"message": sprintf("'%s' may not be optimal for environment '%s'", [cmd.base, cmd.environment]),
		"environment": cmd.environment,
		"field": cmd.field,
		"command": cmd.command,
		"remediation": sprintf("Consider using: %s", [concat(", ", managers)]),
	}
}`,
	}
}
