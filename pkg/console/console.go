// Package console is the terminal operator surface for the inbox.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sipeed/picocrm/pkg/auth"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/logger"
)

var (
	errLoginRequired = errors.New("login required")
	errNoSelection   = errors.New("no conversation selected, use: select <id>")
)

type usageError string

func (u usageError) Error() string { return "usage: " + string(u) }

type command struct {
	usage  string
	help   string
	public bool
	run    func(ctx context.Context, c *Console, args []string) error
}

type Console struct {
	inbox       *inbox.Inbox
	auth        auth.Authenticator
	out         io.Writer
	session     *auth.Session
	historyFile string

	readPassword func(prompt string) (string, error)
	commands     map[string]command
}

// New builds a console writing to out. historyFile may be empty.
func New(ib *inbox.Inbox, authn auth.Authenticator, out io.Writer, historyFile string) *Console {
	c := &Console{
		inbox:       ib,
		auth:        authn,
		out:         out,
		historyFile: historyFile,
	}
	c.commands = commandTable()
	return c
}

func (c *Console) prompt() string {
	if c.session == nil {
		return "picocrm> "
	}
	if id := c.inbox.Store().SelectedID(); id != "" {
		return fmt.Sprintf("picocrm [%s]> ", id)
	}
	return "picocrm* "
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// Execute runs one command line. quit reports whether the operator asked to
// leave.
func (c *Console) Execute(ctx context.Context, line string) (quit bool, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	name := strings.ToLower(args[0])
	if name == "quit" || name == "exit" {
		return true, nil
	}
	cmd, ok := c.commands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, try help", name)
	}
	if !cmd.public && !c.loggedIn(ctx) {
		return false, errLoginRequired
	}
	return false, cmd.run(ctx, c, args[1:])
}

func (c *Console) loggedIn(ctx context.Context) bool {
	if c.session == nil {
		return false
	}
	if _, ok := c.auth.Current(ctx, c.session.Token); !ok {
		c.session = nil
		return false
	}
	return true
}

func (c *Console) selected() (inbox.Conversation, error) {
	conv, ok := c.inbox.Selected()
	if !ok {
		return inbox.Conversation{}, errNoSelection
	}
	return conv, nil
}

func (c *Console) completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(c.commands)+1)
	for name := range c.commands {
		names = append(names, name)
	}
	names = append(names, "quit")
	sort.Strings(names)

	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		switch name {
		case "status", "list":
			var sub []readline.PrefixCompleterInterface
			for _, st := range inbox.Statuses {
				sub = append(sub, readline.PcItem(string(st)))
			}
			items = append(items, readline.PcItem(name, sub...))
		default:
			items = append(items, readline.PcItem(name))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

// Run reads commands until quit, EOF or an interrupt on an empty line.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            c.prompt(),
		HistoryFile:       c.historyFile,
		AutoComplete:      c.completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	c.out = rl.Stdout()
	c.readPassword = func(prompt string) (string, error) {
		b, err := rl.ReadPassword(prompt)
		return string(b), err
	}
	c.printf("picocrm console, type help for commands\n")

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := c.Execute(ctx, line)
		if err != nil {
			logger.DebugCF("console", "Command failed", map[string]interface{}{
				"command": strings.Fields(line)[0],
				"error":   err.Error(),
			})
			c.printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
		rl.SetPrompt(c.prompt())
	}
}
