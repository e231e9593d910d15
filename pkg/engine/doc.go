// Package engine resolves package definitions into a dependency graph and
// installs them.
//
// # Overview
//
// An installation goes through three steps:
//
//  1. Resolve - BuildGraph turns PackageRecords into a DependencyGraph for
//     one environment. Unknown dependencies fail the build.
//  2. Order - DependencyGraph.Order reports every cycle or returns a
//     deterministic installation order. Ties are broken by ascending name.
//  3. Run - Orchestrator.Run drives each package through its state machine,
//     running independent packages in parallel.
//
// Planner wraps the first two steps over a PackageSource.
//
// # Installation State Machine
//
// Every package in a run holds an InstallationStatus:
//
//	NotStarted -> Checking -> AlreadyInstalled
//	                       -> NotInstalled -> Installing -> Complete
//	                                                     -> Failed
//	NotStarted -> Skipped
//
// Checking, NotInstalled and Installing may also move to Failed. The check
// command decides whether a package is present; only exit code 0 counts.
// A package without a check command is assumed absent.
//
// # Orchestration
//
// A package is dispatched once all of its dependencies are Complete or
// AlreadyInstalled, and at most RunOptions.Concurrency packages run at
// once. A Failed or Skipped package causes its transitive dependents to be
// Skipped without running any command. With StopOnError, the first failure
// skips everything not yet started.
//
// Dependencies with no configuration for the environment are kept in the
// graph as incompatible nodes. They are Skipped, and packages that depend
// on them are Skipped with reason "incompatible dependency".
//
// # Cancellation
//
// Orchestrator.Interrupt, or cancelling the Run context, stops dispatch and
// asks running commands to terminate. Running packages end
// Failed("interrupted") and unstarted packages Skipped("interrupted"). A
// second Interrupt kills the commands without waiting for the grace period.
//
// # Commands
//
// The engine never starts processes itself. Every check and install command
// goes through a CommandRunner, which streams output lines back as they are
// produced. See the shell package for the local runner and the ssh
// transport for a remote one.
//
// # Errors
//
// Errors are EngineErrors classified by ErrorClass:
//
//   - Structural errors (unresolved dependency, cycle, invalid definition)
//     are returned before any command runs.
//   - Compatibility errors are recorded in RunReport.Errors and skip only the
//     affected branch.
//   - Execution and cancellation errors are attached to the affected
//     PackageInstallation.
package engine
