package node

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/ryandielhenn/echomesh/pkg/wave"
)

type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdSet
	CmdMin
	CmdGraph
	CmdDebug
	CmdConnect
	CmdChat
)

// Command is one parsed line of console input.
type Command struct {
	Kind  CommandKind
	Value int64  // CmdSet
	Arg   string // peer for CmdConnect, text for CmdChat
}

var (
	setRe     = regexp.MustCompile(`^\s*/set\s+(-?\d+)\s*$`)
	minRe     = regexp.MustCompile(`^\s*/min\s*$`)
	graphRe   = regexp.MustCompile(`^\s*/graph\s*$`)
	debugRe   = regexp.MustCompile(`^\s*/debug\s*$`)
	connectRe = regexp.MustCompile(`^\s*/connect\s+(\S+)\s*$`)
)

// ParseCommand classifies a console line. Blank lines yield CmdNone and
// anything that is not a known command is a chat message.
func ParseCommand(line string) Command {
	if strings.TrimSpace(line) == "" {
		return Command{Kind: CmdNone}
	}
	if m := setRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return Command{Kind: CmdSet, Value: v}
		}
	}
	switch {
	case minRe.MatchString(line):
		return Command{Kind: CmdMin}
	case graphRe.MatchString(line):
		return Command{Kind: CmdGraph}
	case debugRe.MatchString(line):
		return Command{Kind: CmdDebug}
	}
	if m := connectRe.FindStringSubmatch(line); m != nil {
		return Command{Kind: CmdConnect, Arg: m[1]}
	}
	return Command{Kind: CmdChat, Arg: line}
}

// Execute parses line and runs it against the node.
func (n *Node) Execute(ctx context.Context, line string) error {
	cmd := ParseCommand(line)
	switch cmd.Kind {
	case CmdSet:
		return n.SetValue(ctx, cmd.Value)
	case CmdMin:
		_, err := n.Initiate(ctx, wave.KindMin)
		return err
	case CmdGraph:
		_, err := n.Initiate(ctx, wave.KindGraph)
		return err
	case CmdDebug:
		_, err := n.ToggleDebug(ctx)
		return err
	case CmdConnect:
		err := n.Connect(ctx, cmd.Arg)
		if errors.Is(err, ErrSelf) {
			return nil
		}
		return err
	case CmdChat:
		_, err := n.Say(ctx, cmd.Arg)
		if errors.Is(err, wave.ErrNoNeighbors) {
			return nil
		}
		return err
	}
	return nil
}
