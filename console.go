package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Heliodex/cocraft/computer"
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/peterh/liner"
)

const consoleHelp = `Commands:
  list                       list computers
  show <id>                  print a computer's screen
  on|off|reboot <id>         change power
  queue <id> <event> [args]  queue an event; numbers and true/false are converted
  label <id> [label]         set or clear a label
  quit                       stop the host`

// eventArg converts a console word to a guest value.
func eventArg(s string) vm.Val {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "nil":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func printScreen(w io.Writer, c *computer.Computer) {
	t := c.Terminal()
	_, h := t.Size()
	for y := range h {
		text, _, _, _ := t.Line(y)
		fmt.Fprintln(w, strings.TrimRight(terminal.ToUTF8([]byte(text)), " "))
	}
}

// command runs one console line. It reports whether the console should
// close.
func command(sched *computer.Scheduler, line string, w io.Writer) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(w, consoleHelp)
		return
	case "list":
		for _, c := range sched.List() {
			fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID(), c.Power(), c.Label())
		}
		return
	}

	if len(args) == 0 {
		fmt.Fprintf(w, "unknown command %q, try help\n", cmd)
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(w, "invalid computer ID %q\n", args[0])
		return
	}
	c := sched.Get(id)
	if c == nil {
		fmt.Fprintf(w, "no computer %d\n", id)
		return
	}

	switch cmd {
	case "show":
		printScreen(w, c)
	case "on":
		c.TurnOn()
	case "off":
		c.Shutdown()
	case "reboot":
		c.Reboot()
	case "queue":
		if len(args) < 2 {
			fmt.Fprintln(w, "usage: queue <id> <event> [args]")
			return
		}
		vals := make([]vm.Val, len(args)-2)
		for i, a := range args[2:] {
			vals[i] = eventArg(a)
		}
		c.QueueEvent(args[1], vals...)
	case "label":
		c.SetLabel(strings.Join(args[1:], " "))
	default:
		fmt.Fprintf(w, "unknown command %q, try help\n", cmd)
	}
	return
}

// runConsole reads commands from the terminal until quit or end of input.
func runConsole(sched *computer.Scheduler) {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) (c []string) {
		for _, cmd := range []string{"list", "show ", "on ", "off ", "reboot ", "queue ", "label ", "help", "quit"} {
			if strings.HasPrefix(cmd, line) {
				c = append(c, cmd)
			}
		}
		return
	})

	fmt.Println("Type help for commands.")
	for {
		line, err := ln.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to read command:", err)
			return
		}

		if command(sched, line, os.Stdout) {
			return
		}
		if strings.TrimSpace(line) != "" {
			ln.AppendHistory(line)
		}
	}
}
