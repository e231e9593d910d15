// Package policy lints package definitions with Open Policy Agent.
//
// Every policy is a Rego module whose deny set holds its findings. Policies
// are evaluated against an Input document built from one package record:
//
//	{
//	  "package": {"name": "ripgrep", "version": "14.1.0", "environments": {...}},
//	  "environment": "mac",
//	  "commands": [
//	    {"environment": "mac", "field": "install", "command": "brew install ripgrep",
//	     "base": "brew", "unmatched_quote": ""}
//	  ]
//	}
//
// A deny element is either a string message or an object with message and
// optional environment, field, command, remediation and severity keys.
//
// # Built-in policies
//
//   - command-syntax (error): unmatched quotes, empty pipeline stage
//   - unsafe-redirection (warning): output redirected to a relative path
//   - remote-script-pipe (warning): curl or wget piped into a shell
//   - privileged-check (warning): sudo inside a check command
//   - package-naming (error): lowercase names of [a-z0-9._+-]
//   - command-hints (info): backticks, privilege prompts, downloads and
//     package managers unusual for the environment
//
// Error findings make Result.Allowed false. Everything else is reported in
// Result.Warnings.
//
// # Custom policies
//
// LoadFiles reads .rego files, named after the file, and .json documents
// holding a Policy. Rego unit tests (*_test.rego) and hidden files are
// ignored, and a name may be defined only once. Leading comments of a .rego file become its
// description; a "# severity: error" line sets its severity:
//
//	# Forbid curl in install commands.
//	# severity: error
//	package custom.curl
//
//	import rego.v1
//
//	deny contains violation if {
//		some cmd in input.commands
//		cmd.base == "curl"
//		violation := {"message": "curl is not allowed"}
//	}
//
// Engine.LoadPolicies replaces the custom set, and Engine.Watch keeps it in
// sync with the files on disk.
package policy
