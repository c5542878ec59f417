// Package interactive provides the command shell of subplex-watch.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/subplex/subplex-go/pkg/engine"
	"github.com/subplex/subplex-go/pkg/rpc"
	"github.com/subplex/subplex-go/pkg/subscription"
)

// Engine is the part of the engine the shell drives.
type Engine interface {
	Subscribe(ctx context.Context, reg subscription.Registration) error
	Unsubscribe(ctx context.Context, key subscription.LogicalKey) error
	Seed(ctx context.Context, key subscription.LogicalKey) (subscription.Update, error)
	Value(key subscription.LogicalKey) (subscription.Value, bool)
	Keys() []subscription.LogicalKey
	Targets() []subscription.TargetInfo
	PendingRequests() []rpc.PendingInfo
	Stats() engine.Stats
	Health() engine.Health
	Drop(reason error)
}

// Resolver returns the decoder for a variant name.
type Resolver func(variant string) (subscription.DecodeFunc, error)

// Formatter renders a decoded value.
type Formatter func(v any) string

// Options configures a Shell.
type Options struct {
	Resolve Resolver
	Format  Formatter

	// KeyOf builds the logical key of variant on target.
	KeyOf func(target subscription.Target, variant string) subscription.LogicalKey

	// Subscription options sent with shell subscribes.
	SubscribeOptions map[string]any

	// CommandTimeout bounds each command. Zero means 30s.
	CommandTimeout time.Duration
}

// ErrDropped is the reason passed to Engine.Drop by the drop command.
var ErrDropped = errors.New("dropped from shell")

// Shell reads commands and runs them against an Engine.
type Shell struct {
	eng  Engine
	opts Options
	rl   *readline.Instance
	out  io.Writer
}

// New creates a shell on the terminal.
func New(eng Engine, opts Options) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "subplex> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("subscribe"),
			readline.PcItem("unsubscribe"),
			readline.PcItem("seed"),
			readline.PcItem("value"),
			readline.PcItem("values"),
			readline.PcItem("targets"),
			readline.PcItem("pending"),
			readline.PcItem("stats"),
			readline.PcItem("health"),
			readline.PcItem("drop"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(eng, opts, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(eng Engine, opts Options, out io.Writer) *Shell {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.Format == nil {
		opts.Format = func(v any) string { return fmt.Sprint(v) }
	}
	if opts.KeyOf == nil {
		opts.KeyOf = func(t subscription.Target, variant string) subscription.LogicalKey {
			return subscription.LogicalKey(t.ID + "#" + variant)
		}
	}
	return &Shell{eng: eng, opts: opts, out: out}
}

// Stdout returns a writer that coordinates with the prompt. Route log
// output through it while the shell runs.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "subscribe", "sub":
		s.cmdSubscribe(ctx, args)
	case "unsubscribe", "unsub":
		s.cmdUnsubscribe(ctx, args)
	case "seed":
		s.cmdSeed(ctx, args)
	case "value", "v":
		s.cmdValue(args)
	case "values", "ls":
		s.cmdValues()
	case "targets", "t":
		s.cmdTargets()
	case "pending":
		s.cmdPending()
	case "stats":
		s.cmdStats()
	case "health":
		s.cmdHealth()
	case "drop":
		s.eng.Drop(ErrDropped)
		fmt.Fprintln(s.out, "Connection dropped")
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
Commands:
  Subscriptions:
    subscribe <target> <variant>  - Subscribe a key (target: address or subject:id)
    unsubscribe <key>             - Release a key
    seed <key>                    - Fetch the current value of a key

  Inspection:
    value <key>                   - Show one key
    values                        - Show every key
    targets                       - Show targets and their state
    pending                       - Show in-flight requests
    stats                         - Show engine counters
    health                        - Show connection health

  Other:
    drop                          - Drop the connection (forces a reconnect)
    help                          - Show this help
    quit                          - Exit`)
}

func (s *Shell) cmdSubscribe(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: subscribe <target> <variant>")
		return
	}
	target, err := subscription.ParseTarget(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	decode, err := s.opts.Resolve(args[1])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	key := s.opts.KeyOf(target, args[1])
	err = s.eng.Subscribe(ctx, subscription.Registration{
		Key:     key,
		Target:  target,
		Options: s.opts.SubscribeOptions,
		Decode:  decode,
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error: subscribe %s: %v\n", key, err)
		return
	}
	fmt.Fprintf(s.out, "Subscribed %s\n", key)
}

func (s *Shell) cmdUnsubscribe(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: unsubscribe <key>")
		return
	}
	key := subscription.LogicalKey(args[0])
	if err := s.eng.Unsubscribe(ctx, key); err != nil {
		fmt.Fprintf(s.out, "Error: unsubscribe %s: %v\n", key, err)
		return
	}
	fmt.Fprintf(s.out, "Unsubscribed %s\n", key)
}

func (s *Shell) cmdSeed(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: seed <key>")
		return
	}
	key := subscription.LogicalKey(args[0])
	u, err := s.eng.Seed(ctx, key)
	if err != nil {
		fmt.Fprintf(s.out, "Error: seed %s: %v\n", key, err)
		return
	}
	if u.Err != nil {
		fmt.Fprintf(s.out, "Seed %s at slot %d did not decode: %v\n", key, u.Slot, u.Err)
		return
	}
	fmt.Fprintf(s.out, "Seeded %s at slot %d: %s\n", key, u.Slot, s.opts.Format(u.Value))
}

func (s *Shell) cmdValue(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: value <key>")
		return
	}
	v, ok := s.eng.Value(subscription.LogicalKey(args[0]))
	if !ok {
		fmt.Fprintf(s.out, "Key %s not found\n", args[0])
		return
	}
	s.printValue(v)
}

func (s *Shell) cmdValues() {
	keys := s.eng.Keys()
	if len(keys) == 0 {
		fmt.Fprintln(s.out, "No keys")
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		if v, ok := s.eng.Value(key); ok {
			s.printValue(v)
		}
	}
}

func (s *Shell) printValue(v subscription.Value) {
	if !v.HasValue {
		fmt.Fprintf(s.out, "  %-40s (no value)\n", v.Key)
		return
	}
	fmt.Fprintf(s.out, "  %-40s slot %-10d %s\n", v.Key, v.Slot, s.opts.Format(v.Value))
	if v.LastError != nil {
		fmt.Fprintf(s.out, "  %-40s last error: %v\n", "", v.LastError)
	}
}

func (s *Shell) cmdTargets() {
	targets := s.eng.Targets()
	if len(targets) == 0 {
		fmt.Fprintln(s.out, "No targets")
		return
	}
	for _, t := range targets {
		fmt.Fprintf(s.out, "  %s\n", t.Target)
		fmt.Fprintf(s.out, "    State:   %s (generation %d)\n", t.State, t.Generation)
		if t.SubscriptionID != "" {
			fmt.Fprintf(s.out, "    Handle:  %s\n", t.SubscriptionID)
		}
		fmt.Fprintf(s.out, "    Fanout:  %s, keys %v\n", t.Fanout, t.Keys)
		if t.Resubscribes > 0 {
			fmt.Fprintf(s.out, "    Resubscribes: %d\n", t.Resubscribes)
		}
		if t.LastError != nil {
			fmt.Fprintf(s.out, "    Error:   %v\n", t.LastError)
		}
	}
}

func (s *Shell) cmdPending() {
	pending := s.eng.PendingRequests()
	if len(pending) == 0 {
		fmt.Fprintln(s.out, "No pending requests")
		return
	}
	for _, p := range pending {
		fmt.Fprintf(s.out, "  #%d %s %s (generation %d, %s)\n",
			p.ID, p.Method, p.Target, p.Generation, p.Age.Round(time.Millisecond))
	}
}

func (s *Shell) cmdStats() {
	st := s.eng.Stats()
	fmt.Fprintf(s.out, "State:               %s\n", st.Health.State)
	fmt.Fprintf(s.out, "Connection:          %s (generation %d, %d reconnects)\n",
		st.Session.State, st.Session.Generation, st.Session.Reconnects)
	fmt.Fprintf(s.out, "Keys:                %d\n", st.Keys)
	fmt.Fprintf(s.out, "Pending requests:    %d\n", st.PendingRequests)
	fmt.Fprintf(s.out, "Delivered:           %d\n", st.Router.Delivered)
	fmt.Fprintf(s.out, "Stale:               %d\n", st.Router.Stale)
	fmt.Fprintf(s.out, "Decode failures:     %d\n", st.Router.DecodeFailures)
	fmt.Fprintf(s.out, "Unknown pushes:      %d\n", st.Router.Unknown)
	fmt.Fprintf(s.out, "Protocol violations: %d\n", st.ProtocolViolations)

	states := make([]subscription.State, 0, len(st.Targets))
	for state := range st.Targets {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, state := range states {
		fmt.Fprintf(s.out, "Targets %-12s %d\n", state.String()+":", st.Targets[state])
	}
}

func (s *Shell) cmdHealth() {
	h := s.eng.Health()
	fmt.Fprintf(s.out, "State:      %s\n", h.State)
	fmt.Fprintf(s.out, "Generation: %d\n", h.Generation)
	if !h.Time.IsZero() {
		fmt.Fprintf(s.out, "Since:      %s\n", h.Time.Format(time.RFC3339))
	}
	if h.Err != nil {
		fmt.Fprintf(s.out, "Last error: %v\n", h.Err)
	}
	if h.State == engine.StateReady {
		fmt.Fprintf(s.out, "Resubscribed: %d, failed: %d\n", h.Resubscribed, len(h.Failed))
	}
}
