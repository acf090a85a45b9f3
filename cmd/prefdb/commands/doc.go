// Package commands defines the prefdb CLI.
//
// Commands
//
//   - get      Print one setting, or all of them
//   - set      Write one or more settings (values are YAML literals)
//   - clear    Delete every setting
//   - dump     Print every setting as YAML
//   - watch    Print changes to settings until interrupted
//   - shell    Interactive shell over one lock
//   - serve    The same shell over SSH, one execution context per login
//
// # Implementation
//
// The root command loads the TOML config, applies flag overrides, opens the
// settings database on the configured backend, seeds the [defaults] table
// and binds a manager to the --context execution context before any
// subcommand runs. Subcommands work through one shell.Session, so every
// command of one invocation is ordered on a single lock.
package commands
