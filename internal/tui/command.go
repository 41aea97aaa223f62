package tui

import (
	"fmt"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args []string
}

// commands lists the accepted names and their usage.
var commands = map[string]string{
	"new":     "new [kind id]",
	"archive": "archive",
	"attach":  "attach <kind> <path> [caption]",
	"retry":   "retry [client-id]",
	"all":     "all",
	"active":  "active",
	"quit":    "quit",
}

var aliases = map[string]string{
	"q":   "quit",
	"a":   "attach",
	"r":   "retry",
	"arc": "archive",
}

// ParseCommand parses a command string (without the leading ':'). A quoted
// argument may contain spaces.
func ParseCommand(input string) (Command, error) {
	fields, err := splitArgs(strings.TrimSpace(input))
	if err != nil {
		return Command{}, err
	}
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	name := strings.ToLower(fields[0])
	if full, ok := aliases[name]; ok {
		name = full
	}
	if _, ok := commands[name]; !ok {
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}
	cmd := Command{Name: name, Args: fields[1:]}
	if err := cmd.check(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c Command) check() error {
	var ok bool
	switch c.Name {
	case "new":
		ok = len(c.Args) == 0 || len(c.Args) == 2
	case "attach":
		ok = len(c.Args) >= 2
	case "retry":
		ok = len(c.Args) <= 1
	default:
		ok = len(c.Args) == 0
	}
	if !ok {
		return fmt.Errorf("usage: %s", commands[c.Name])
	}
	return nil
}

// Arg returns the i-th argument, or empty.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// Rest joins the arguments from i on.
func (c Command) Rest(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[i:], " ")
}

func splitArgs(s string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inArg = r, true
		case r == ' ' || r == '\t':
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out, nil
}
