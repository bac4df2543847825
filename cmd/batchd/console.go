package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/GorshkovIvan/voice-agent/internal/assistant"
	"github.com/GorshkovIvan/voice-agent/internal/channel"
	"github.com/GorshkovIvan/voice-agent/internal/logger"
)

const consoleHelp = "Commands: submit <description>, status, result <job id>, quit."

// runConsole reads commands from in and speaks the replies on console until
// ctx is done or in is exhausted.
func runConsole(ctx context.Context, in io.Reader, console *channel.Console, tools *assistant.Tools, log *logger.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	speak(ctx, console, log, consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			reply, quit := handleCommand(ctx, tools, line)
			if reply != "" {
				speak(ctx, console, log, reply)
			}
			if quit {
				return
			}
		}
	}
}

// handleCommand maps one input line to a reply
func handleCommand(ctx context.Context, tools *assistant.Tools, line string) (reply string, quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return "", false
	case "submit":
		if arg == "" {
			return "What should the task be?", false
		}
		return tools.SubmitTask(ctx, arg, ""), false
	case "status":
		return tools.CheckTaskStatus(ctx), false
	case "result":
		if arg == "" {
			return "Which job id?", false
		}
		return tools.GetTaskResult(ctx, arg), false
	case "quit", "exit":
		return "Goodbye.", true
	default:
		return consoleHelp, false
	}
}

func speak(ctx context.Context, console *channel.Console, log *logger.Logger, text string) {
	err := console.Speak(ctx, text, channel.SpeakOptions{})
	if err != nil && !errors.Is(err, channel.ErrInterrupted) && !errors.Is(err, channel.ErrClosed) {
		log.Warn("Console reply failed", logger.Fields{"error": err})
	}
}
