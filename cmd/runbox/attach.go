package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/protocol"
)

var (
	serverFlag   string
	languageFlag string
)

var attachCmd = &cobra.Command{
	Use:   "attach <source-file>",
	Short: "Build and run a file on a runbox server interactively",
	Long: `Open a session on a running server, submit the file and attach the
terminal to the program. Each line typed is sent as input; Ctrl-D closes
the program's stdin.

Examples:
  runbox attach main.cpp
  runbox attach --language python --server http://build.local:3000 main.py`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&serverFlag, "server", "http://localhost:3000", "Server base URL")
	attachCmd.Flags().StringVar(&languageFlag, "language", "", "Language (default: server default)")
	rootCmd.AddCommand(attachCmd)
}

// attachResult is how the attached run ended.
type attachResult struct {
	exitCode int
	err      error
}

func runAttach(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	base := strings.TrimRight(serverFlag, "/")

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer conn.Close()

	var hello protocol.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("reading session id: %w", err)
	}
	if hello.Type != protocol.TypeInit || hello.SessionID == "" {
		return fmt.Errorf("unexpected greeting %q", hello.Type)
	}

	if err := submit(base, protocol.BuildRequest{
		Code:      string(code),
		SessionID: hello.SessionID,
		Language:  languageFlag,
	}); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// gorilla/websocket allows one concurrent writer.
	var writeMu sync.Mutex
	send := func(msg protocol.ClientMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteJSON(msg)
	}

	ready := make(chan string, 1)
	done := make(chan attachResult, 1)
	go readFrames(conn, rl.Stdout(), ready, done)

	go func() {
		var runID string
		select {
		case runID = <-ready:
		case <-cmd.Context().Done():
			return
		}
		for {
			line, err := rl.Readline()
			switch {
			case err == nil:
				send(protocol.ClientMessage{Type: protocol.TypeInput, ProcessID: runID, Input: line})
			case errors.Is(err, io.EOF):
				send(protocol.ClientMessage{Type: protocol.TypeEOF, ProcessID: runID})
				return
			default:
				// Interrupt: dropping the connection kills the program.
				conn.Close()
				return
			}
		}
	}()

	res := <-done
	rl.Close()
	writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	conn.Close()

	if res.err != nil {
		return res.err
	}
	if res.exitCode != 0 {
		os.Exit(res.exitCode)
	}
	return nil
}

func submit(base string, req protocol.BuildRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := http.Post(base+"/compile", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submitting code: %w", err)
	}
	defer resp.Body.Close()

	var out protocol.BuildResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding compile response (%s): %w", resp.Status, err)
	}
	if !out.Success {
		return fmt.Errorf("compile rejected (%s): %s", resp.Status, out.Error)
	}
	return nil
}

// readFrames prints program output until the run ends or the connection
// drops.
func readFrames(conn *websocket.Conn, out io.Writer, ready chan<- string, done chan<- attachResult) {
	errColor := color.New(color.FgRed)
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			done <- attachResult{err: fmt.Errorf("connection lost: %w", err)}
			return
		}

		switch f.Type {
		case protocol.TypeProcessReady:
			ready <- f.RunID
		case protocol.TypeOutput:
			fmt.Fprint(out, f.Data)
		case protocol.TypeError:
			errColor.Fprintln(os.Stderr, f.Data)
			// Errors without a run are build or launch failures; nothing
			// else follows them.
			if f.RunID == "" {
				done <- attachResult{exitCode: 1}
				return
			}
		case protocol.TypeProcessDone:
			code := 0
			if f.ExitCode != nil {
				code = *f.ExitCode
			}
			color.New(color.FgHiBlack).Fprintf(os.Stderr, "\n[exit %d]\n", code)
			done <- attachResult{exitCode: code}
			return
		}
	}
}
