package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojotxn/core/replication/wire"
)

const (
	defaultClientPort = 5555
	dialTimeout       = 5 * time.Second
)

var historyFile = flag.String("history", "", "Readline history file (empty disables history)")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] host[:port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	addr := serverAddr(flag.Arg(0))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "txn> ",
		HistoryFile:     *historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		log.Fatalf("Failed to initialise terminal: %v", err)
	}
	defer l.Close()

	// Server messages arrive independently of the prompt. The session ends
	// for good once the server closes the connection.
	go func() {
		err := printMessages(conn, l.Stdout())
		if err != nil {
			fmt.Fprintf(l.Stderr(), "Connection to server lost: %v\n", err)
		} else {
			fmt.Fprintln(l.Stdout(), "Connection closed by server!")
		}
		l.Close()
		os.Exit(1)
	}()

	fmt.Println("Type a transaction file name to send to the server.")
	fmt.Println("Type 'quit' to exit.")
	for {
		line, err := l.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		name := strings.TrimSpace(line)
		switch name {
		case "":
			continue
		case "quit":
			return
		}
		if err := sendFile(conn, name); err != nil {
			fmt.Fprintf(l.Stderr(), "Error: %v\n", err)
		}
	}
}

// serverAddr adds the default client port when host has none.
func serverAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(defaultClientPort))
}

// sendFile sends the script in path as one message on the session.
func sendFile(w io.Writer, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read transaction file: %w", err)
	}
	if err := wire.WriteMessage(w, string(script)); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

// printMessages copies every server message to out. It returns nil when the
// server closes the connection.
func printMessages(r io.Reader, out io.Writer) error {
	mr := wire.NewReader(r)
	for {
		msg, err := mr.ReadMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Message received from server: %s\n", msg)
	}
}
