// Command grovekv_cli is an interactive client for the grovekv_server line
// protocol.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/chzyer/readline"
)

func main() {
	serverAddr := flag.String("server", "localhost:9090", "grovekv server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *serverAddr, err)
		os.Exit(1)
	}
	defer conn.Close()
	responses := bufio.NewReader(conn)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "grovekv> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("connected to %s\n", *serverAddr)
	fmt.Println("commands: PUT <k> <v>, GET <k>, DELETE <k>, BEGIN [committed|uncommitted], COMMIT, ABORT, exit")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return
		}

		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			return
		}
		resp, err := responses.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "server closed the connection: %v\n", err)
			return
		}
		fmt.Print(resp)
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.grovekv_history"
}
