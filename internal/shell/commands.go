package shell

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Context holds the state available to command handlers.
type Context struct {
	Session  *Session
	Terminal *term.Terminal
	Args     []string
}

// Handler processes a shell command. Returns true if the shell should
// exit (e.g., /quit).
type Handler func(ctx Context) bool

// Command describes a registered shell command.
type Command struct {
	Usage   string // full usage for help (e.g., "/get <name>"); defaults to command name
	Help    string
	Handler Handler
}

// Registry maps command names to handlers and produces dynamic help.
// It is safe for concurrent use. Once frozen (via Freeze), no new commands
// can be registered.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string // insertion order for stable help output
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
	}
}

// Register adds a command. The name includes the leading slash. Registering
// the same name twice overwrites the previous entry. Panics if
// cmd.Handler is nil or the registry is frozen.
func (r *Registry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("shell: Register called with nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("shell: Register called on frozen registry for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Freeze prevents further registration. Run calls it before reading input.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Dispatch parses a command line and calls the matching handler.
// Returns true if the shell should exit.
func (r *Registry) Dispatch(line string, s *Session, terminal *term.Terminal) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	name := parts[0]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		_, _ = fmt.Fprintf(terminal, "Unknown command: %s (try /help)\r\n", name)
		return false
	}

	return cmd.Handler(Context{
		Session:  s,
		Terminal: terminal,
		Args:     parts[1:],
	})
}

// HelpText lists all registered commands in registration order.
func (r *Registry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		cmd := r.commands[name]
		display := name
		if cmd.Usage != "" {
			display = cmd.Usage
		}
		_, _ = fmt.Fprintf(&b, "  %-24s %s\n", display, cmd.Help)
	}
	return b.String()
}
