package shell

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/term"

	"prefdb/internal/settings"
	"prefdb/internal/store/memory"
)

// readWriter combines separate read and write halves into an io.ReadWriter.
type readWriter struct {
	io.Reader
	io.Writer
}

// syncBuffer is written by the terminal and observer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(b.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q:\n%s", substr, b.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newSession(t *testing.T) *Session {
	t.Helper()
	db := settings.Open(memory.New().Opener(), settings.Options{Workers: 2})
	t.Cleanup(func() { _ = db.Close() })
	mgr := settings.NewManager(db, settings.AllowAll{})
	if err := mgr.Init("shell-test"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Teardown)
	s, err := NewSession(mgr, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTerminal() (*term.Terminal, *syncBuffer) {
	out := &syncBuffer{}
	return term.NewTerminal(readWriter{strings.NewReader(""), out}, "> "), out
}

func TestRegistryDispatchKnown(t *testing.T) {
	terminal, _ := newTerminal()
	var called bool
	reg := NewRegistry()
	reg.Register("/ping", Command{
		Help: "test command",
		Handler: func(ctx Context) bool {
			called = true
			if len(ctx.Args) != 1 || ctx.Args[0] != "pong" {
				t.Errorf("Args: got %v, want [pong]", ctx.Args)
			}
			return false
		},
	})

	if reg.Dispatch("/ping pong", nil, terminal) {
		t.Error("expected exit=false")
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestRegistryDispatchUnknown(t *testing.T) {
	terminal, out := newTerminal()
	reg := NewRegistry()
	if reg.Dispatch("/nope", nil, terminal) {
		t.Error("expected exit=false for unknown command")
	}
	if !strings.Contains(out.String(), "Unknown command: /nope") {
		t.Errorf("expected unknown command message, got: %q", out.String())
	}
}

func TestRegistryHelpTextOrder(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterBuiltins()
	help := reg.HelpText()
	get := strings.Index(help, "/get [name]")
	quit := strings.Index(help, "/quit")
	if get < 0 || quit < 0 || get > quit {
		t.Fatalf("help not in registration order:\n%s", help)
	}
}

func TestRegistryFrozenPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatal("Register on a frozen registry should panic")
		}
	}()
	reg.Register("/x", Command{Handler: func(Context) bool { return false }})
}

func TestRunScript(t *testing.T) {
	s := newSession(t)
	out := &syncBuffer{}
	in := strings.NewReader("/set lang fr\r/set ui {theme: dark}\rget lang\r/dump\r/quit\r/get lang\r")

	reg := NewRegistry()
	reg.RegisterBuiltins()
	if err := Run(readWriter{in, out}, "> ", s, reg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"Set lang = fr",
		"Set ui = {theme: dark}",
		"lang  fr",
		"theme: dark",
		"Goodbye.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Count(text, "lang  fr") != 1 {
		t.Errorf("commands after /quit ran:\n%s", text)
	}
}

func TestRunEndOfInput(t *testing.T) {
	s := newSession(t)
	reg := NewRegistry()
	reg.RegisterBuiltins()
	if err := Run(readWriter{strings.NewReader("/clear\r"), &syncBuffer{}}, "> ", s, reg); err != nil {
		t.Fatalf("Run at EOF = %v", err)
	}
}

func TestWatchCommand(t *testing.T) {
	s := newSession(t)
	terminal, out := newTerminal()
	reg := NewRegistry()
	reg.RegisterBuiltins()

	reg.Dispatch("/watch lang", s, terminal)
	out.waitFor(t, "Watching lang")
	if got := s.Watching(); len(got) != 1 || got[0] != "lang" {
		t.Fatalf("Watching = %v", got)
	}

	if err := s.Set(map[string]settings.Value{"lang": settings.String("fr")}); err != nil {
		t.Fatal(err)
	}
	out.waitFor(t, "* lang changed: fr")

	reg.Dispatch("/unwatch lang", s, terminal)
	reg.Dispatch("/unwatch lang", s, terminal)
	out.waitFor(t, "lang: not watched")
}

func TestGetMissing(t *testing.T) {
	s := newSession(t)
	terminal, out := newTerminal()
	reg := NewRegistry()
	reg.RegisterBuiltins()
	reg.Dispatch("/get nothing", s, terminal)
	out.waitFor(t, "nothing: not found")
}

func TestRunScriptLines(t *testing.T) {
	s := newSession(t)
	out := &syncBuffer{}
	script := "# seed\nset lang en\n\n/set lang fr\nget lang\n"
	reg := NewRegistry()
	reg.RegisterBuiltins()
	if err := RunScript(strings.NewReader(script), out, s, reg); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.Contains(text, "Set lang = en") || !strings.Contains(text, "lang  fr") {
		t.Fatalf("output:\n%s", text)
	}
}
