package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"prefdb/internal/logging"
	"prefdb/internal/settings"
)

var logger = logging.For("shell")

// DefaultTimeout bounds how long a command waits for its operation.
const DefaultTimeout = 10 * time.Second

// Session is one interactive user: a lock for its operations and the
// observers it registered through /watch.
type Session struct {
	mgr     *settings.Manager
	lock    *settings.Lock
	timeout time.Duration

	mu      sync.Mutex
	watches map[string]*settings.Observer
}

// NewSession creates a lock on mgr for the session's operations.
func NewSession(mgr *settings.Manager, timeout time.Duration) (*Session, error) {
	l, err := mgr.CreateLock()
	if err != nil {
		return nil, fmt.Errorf("creating lock: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{
		mgr:     mgr,
		lock:    l,
		timeout: timeout,
		watches: make(map[string]*settings.Observer),
	}, nil
}

func (s *Session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get reads name, or every setting with settings.Wildcard.
func (s *Session) Get(name string) (map[string]settings.Value, error) {
	h, err := s.lock.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.context()
	defer cancel()
	return h.Wait(ctx)
}

// Set writes entries and waits for the commit.
func (s *Session) Set(entries map[string]settings.Value) error {
	h, err := s.lock.Set(entries)
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	_, err = h.Wait(ctx)
	return err
}

// Clear deletes every setting.
func (s *Session) Clear() error {
	h, err := s.lock.Clear()
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	_, err = h.Wait(ctx)
	return err
}

// Watch registers fn for changes to name. Watching a name twice replaces
// the earlier callback.
func (s *Session) Watch(name string, fn settings.ObserverFunc) error {
	obs, err := s.mgr.AddObserver(name, fn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.watches[name]
	s.watches[name] = obs
	s.mu.Unlock()
	if prev != nil {
		s.mgr.RemoveObserver(name, prev)
	}
	return nil
}

// Unwatch drops the watch on name. It reports false if there was none.
func (s *Session) Unwatch(name string) bool {
	s.mu.Lock()
	obs, ok := s.watches[name]
	delete(s.watches, name)
	s.mu.Unlock()
	if ok {
		s.mgr.RemoveObserver(name, obs)
	}
	return ok
}

// Watching returns the watched names, sorted.
func (s *Session) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.watches))
}

// Close drops every watch, closes the lock and waits for its queued
// operations.
func (s *Session) Close() error {
	for _, name := range s.Watching() {
		s.Unwatch(name)
	}
	ctx, cancel := s.context()
	defer cancel()
	_, err := s.lock.Close().Wait(ctx)
	return err
}

// Run reads commands from rw until /quit or end of input. Lines without a
// leading slash are treated as commands too, so `get lang` works.
func Run(rw io.ReadWriter, prompt string, s *Session, reg *Registry) error {
	reg.Freeze()
	terminal := term.NewTerminal(rw, prompt)

	_, _ = fmt.Fprintln(terminal, "prefdb shell. Type /help for commands.")
	for {
		line, err := terminal.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			line = "/" + line
		}
		logger.Debug("dispatch", "line", line)
		if reg.Dispatch(line, s, terminal) {
			return nil
		}
	}
}

// RunScript executes newline-separated commands from r, writing output to w.
// It is the non-interactive form of Run for piped input.
func RunScript(r io.Reader, w io.Writer, s *Session, reg *Registry) error {
	reg.Freeze()
	terminal := term.NewTerminal(readOnlyEmpty{w}, "")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			line = "/" + line
		}
		if reg.Dispatch(line, s, terminal) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	return nil
}

// readOnlyEmpty gives a term.Terminal an output without keyboard input.
type readOnlyEmpty struct {
	io.Writer
}

func (readOnlyEmpty) Read([]byte) (int, error) {
	return 0, io.EOF
}
