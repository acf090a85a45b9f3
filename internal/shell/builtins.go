package shell

import (
	"fmt"
	"strings"

	"prefdb/internal/settings"
)

// RegisterBuiltins registers the settings commands: /get, /set, /clear,
// /dump, /watch, /unwatch, /help and /quit.
func (r *Registry) RegisterBuiltins() {
	r.Register("/get", Command{
		Usage: "/get [name]",
		Help:  "show one setting, or all of them",
		Handler: func(ctx Context) bool {
			name := settings.Wildcard
			if len(ctx.Args) > 0 {
				name = ctx.Args[0]
			}
			values, err := ctx.Session.Get(name)
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			if len(values) == 0 {
				_, _ = fmt.Fprintf(ctx.Terminal, "%s: not found\r\n", name)
				return false
			}
			_, _ = fmt.Fprint(ctx.Terminal, Table(values))
			return false
		},
	})

	r.Register("/set", Command{
		Usage: "/set <name> <value>",
		Help:  "set a setting; the value is a YAML literal",
		Handler: func(ctx Context) bool {
			if len(ctx.Args) < 2 {
				_, _ = fmt.Fprintln(ctx.Terminal, "Usage: /set <name> <value>")
				return false
			}
			name := ctx.Args[0]
			v, err := ParseValue(strings.Join(ctx.Args[1:], " "))
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			if err := ctx.Session.Set(map[string]settings.Value{name: v}); err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Set %s = %s\r\n", name, FormatValue(v))
			return false
		},
	})

	r.Register("/clear", Command{
		Help: "delete every setting",
		Handler: func(ctx Context) bool {
			if err := ctx.Session.Clear(); err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			_, _ = fmt.Fprintln(ctx.Terminal, "Cleared.")
			return false
		},
	})

	r.Register("/dump", Command{
		Help: "print every setting as YAML",
		Handler: func(ctx Context) bool {
			values, err := ctx.Session.Get(settings.Wildcard)
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			out, err := EncodeYAML(values)
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			_, _ = fmt.Fprint(ctx.Terminal, string(out))
			return false
		},
	})

	r.Register("/watch", Command{
		Usage: "/watch <name>",
		Help:  "print changes to a setting as they commit",
		Handler: func(ctx Context) bool {
			if len(ctx.Args) == 0 {
				_, _ = fmt.Fprintf(ctx.Terminal, "Watching: %s\r\n", strings.Join(ctx.Session.Watching(), ", "))
				return false
			}
			name := ctx.Args[0]
			terminal := ctx.Terminal
			err := ctx.Session.Watch(name, func(name string, v settings.Value) {
				_, _ = fmt.Fprintf(terminal, "* %s changed: %s\r\n", name, FormatValue(v))
			})
			if err != nil {
				_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Watching %s\r\n", name)
			return false
		},
	})

	r.Register("/unwatch", Command{
		Usage: "/unwatch <name>",
		Help:  "stop watching a setting",
		Handler: func(ctx Context) bool {
			if len(ctx.Args) == 0 {
				_, _ = fmt.Fprintln(ctx.Terminal, "Usage: /unwatch <name>")
				return false
			}
			if !ctx.Session.Unwatch(ctx.Args[0]) {
				_, _ = fmt.Fprintf(ctx.Terminal, "%s: not watched\r\n", ctx.Args[0])
			}
			return false
		},
	})

	r.Register("/quit", Command{
		Help: "leave the shell",
		Handler: func(ctx Context) bool {
			_, _ = fmt.Fprintln(ctx.Terminal, "Goodbye.")
			return true
		},
	})

	r.Register("/help", Command{
		Help: "show this help",
		Handler: func(ctx Context) bool {
			_, _ = fmt.Fprint(ctx.Terminal, r.HelpText())
			return false
		},
	})
}
