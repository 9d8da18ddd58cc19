// Package console is the line-oriented terminal front end shared by the
// host and peer binaries.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/session"
	"consensus-room/internal/statesync"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Controller is the slice of *session.Session the console drives.
type Controller interface {
	Status() session.Status
	Players() []protocol.Peer
	StartDiscussion(scenarioID string, options []string) error
	StartVoting(scenarioID string, options []string) error
	CastVote(scenarioID, optionID, reasoning string) error
	CheckForConsensus(scenarioID string) (session.Tally, bool, error)
	ProgressToNextLevel() (int, error)
	SendChat(text string) error
	RecordAction(actionType string, data any) error
	RequestSync() error
	Rollback(steps int) error
	Stats() statesync.Stats
}

type Console struct {
	ctrl Controller

	mu  sync.Mutex
	out io.Writer
}

func New(ctrl Controller, out io.Writer) *Console {
	return &Console{ctrl: ctrl, out: out}
}

// Run executes one command per input line until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			err := c.Execute(line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				c.print(pterm.Error.Sprintfln("%v", err))
			}
		}
	}
}

// Execute runs a single command line.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help":
		c.print(helpText())
	case "quit", "exit":
		return ErrQuit
	case "status":
		c.print(renderStatus(c.ctrl.Status()))
	case "players":
		c.print(renderPlayers(c.ctrl.Players()))
	case "stats":
		c.print(renderStats(c.ctrl.Stats()))
	case "discuss":
		if len(args) < 2 {
			return errors.New("usage: discuss <scenario> <option>[,<option>...]")
		}
		return c.ctrl.StartDiscussion(args[0], splitOptions(args[1:]))
	case "voting":
		scenario := c.ctrl.Status().ScenarioID
		var options []string
		if len(args) > 0 {
			scenario = args[0]
		}
		if len(args) > 1 {
			options = splitOptions(args[1:])
		}
		return c.ctrl.StartVoting(scenario, options)
	case "vote":
		if len(args) < 1 {
			return errors.New("usage: vote <option> [reasoning]")
		}
		return c.ctrl.CastVote(c.ctrl.Status().ScenarioID, args[0], strings.Join(args[1:], " "))
	case "check":
		tally, ok, err := c.ctrl.CheckForConsensus(c.ctrl.Status().ScenarioID)
		if err != nil {
			return err
		}
		c.print(renderTally(tally, ok))
	case "next":
		level, err := c.ctrl.ProgressToNextLevel()
		if err != nil {
			return err
		}
		c.print(pterm.Success.Sprintfln("advanced to level %d", level))
	case "chat", "say":
		return c.ctrl.SendChat(strings.Join(args, " "))
	case "action":
		if len(args) < 1 {
			return errors.New("usage: action <type> [json]")
		}
		var data any
		if raw := strings.Join(args[1:], " "); raw != "" {
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				data = raw
			}
		}
		return c.ctrl.RecordAction(args[0], data)
	case "sync":
		return c.ctrl.RequestSync()
	case "rollback":
		steps := 1
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step count %q", args[0])
			}
			steps = n
		}
		return c.ctrl.Rollback(steps)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

// Attach prints bus events as they arrive.
func (c *Console) Attach(bus *eventbus.Bus) eventbus.Subscription {
	return bus.OnAny(func(ev eventbus.Event) {
		if text := renderEvent(ev); text != "" {
			c.print(text)
		}
	})
}

func (c *Console) print(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, text)
}

func splitOptions(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, opt := range strings.Split(arg, ",") {
			if opt = strings.TrimSpace(opt); opt != "" {
				out = append(out, opt)
			}
		}
	}
	return out
}
