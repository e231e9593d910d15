// Package config loads the selfie configuration file and holds the CUE
// schemas that package definitions and configuration documents are checked
// against.
//
// # Configuration file
//
// The file lives at ~/.config/selfie/config.yaml unless --config names
// another path:
//
//	environment: macos
//	package_directory: ~/dotfiles/packages
//	command_timeout: 60
//	stop_on_error: true
//	max_parallel: 4
//	logging:
//	  level: info
//	  format: console
//	  output: stderr
//
// Loading applies Default first, so a file only needs the keys it changes.
// The raw document must satisfy the #Config schema, which rejects unknown
// keys, and the decoded struct must pass its validator tags. SELFIE_ENVIRONMENT
// and SELFIE_PACKAGE_DIRECTORY override the file. A leading ~ and $VAR
// references are expanded in every path.
//
// # Schemas
//
// SchemaRegistry compiles CUE schemas once. The built-in "package" schema
// (#Package) describes a package definition file and is used by the
// repository before a document is converted to an engine.PackageRecord.
// Custom schemas can be registered with RegisterSchema; validation always
// uses the schema's first definition.
package config
