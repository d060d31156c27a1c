// nomos-cli is an interactive line-protocol client for a running nomosd.
//
// Usage:
//
//	nomos-cli [-a host:port]
//
// Commands (in REPL):
//
//	create <level> <subType> <itemType>      Create a top-level (types: string, u32, u64)
//	put <level> <sub> <item> <ttl> <value>   Insert or replace an item
//	update <level> <sub> <item> <ttl> <value>  Put that skips byte-identical replaces
//	get <level> <sub> <item> [ttl]           Fetch an item, optionally touching it
//	touch <level> <sub> <item> <ttl>         Extend an item's lifetime
//	remove <level> <sub> <item>              Remove an item
//	help                                     Show this help
//	exit / quit / q                          Exit
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("nomos-cli", flag.ContinueOnError)
	addr := flags.StringP("addr", "a", "127.0.0.1:7007", "nomosd address")

	if err := flags.Parse(args); err != nil {
		return err
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	fmt.Printf("connected to %s\n", *addr)

	for {
		input, err := line.Prompt("nomos> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		switch fields := strings.Fields(input); fields[0] {
		case "exit", "quit", "q":
			return nil
		case "help":
			printHelp()
		default:
			if err := execute(conn, reader, fields); err != nil {
				if isConnErr(err) {
					return err
				}

				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func isConnErr(err error) bool {
	var netErr net.Error

	return errors.Is(err, io.EOF) || errors.As(err, &netErr)
}

func execute(conn net.Conn, reader *bufio.Reader, fields []string) error {
	switch fields[0] {
	case "create":
		if len(fields) != 4 {
			return errors.New("usage: create <level> <subType> <itemType>")
		}

		return query(conn, reader, fmt.Sprintf("V01,C,%s,%s,%s\n", fields[1], fields[2], fields[3]), nil)
	case "put", "update":
		if len(fields) < 6 {
			return fmt.Errorf("usage: %s <level> <sub> <item> <ttl> <value>", fields[0])
		}

		cmd := byte('P')
		if fields[0] == "update" {
			cmd = 'U'
		}

		if _, err := strconv.ParseUint(fields[4], 10, 32); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}

		value := strings.Join(fields[5:], " ")
		q := fmt.Sprintf("V01,%c,%s,%s,%s,%s,%d\n%s", cmd, fields[1], fields[2], fields[3], fields[4], len(value), value)

		return query(conn, reader, q, nil)
	case "get":
		if len(fields) != 4 && len(fields) != 5 {
			return errors.New("usage: get <level> <sub> <item> [ttl]")
		}

		ttl := "0"
		if len(fields) == 5 {
			ttl = fields[4]
		}

		return query(conn, reader, fmt.Sprintf("V01,G,%s,%s,%s,%s\n", fields[1], fields[2], fields[3], ttl), func(payload []byte) {
			fmt.Printf("%s\n", payload)
		})
	case "touch":
		if len(fields) != 5 {
			return errors.New("usage: touch <level> <sub> <item> <ttl>")
		}

		return query(conn, reader, fmt.Sprintf("V01,T,%s,%s,%s,%s\n", fields[1], fields[2], fields[3], fields[4]), nil)
	case "remove":
		if len(fields) != 4 {
			return errors.New("usage: remove <level> <sub> <item>")
		}

		return query(conn, reader, fmt.Sprintf("V01,R,%s,%s,%s\n", fields[1], fields[2], fields[3]), nil)
	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

// query sends one protocol line (plus inline payload for put) and parses
// the "OK%+08x" / "ERR%+07x" answer, handing any answer payload to sink.
func query(conn net.Conn, reader *bufio.Reader, q string, sink func([]byte)) error {
	if _, err := io.WriteString(conn, q); err != nil {
		return err
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	answer = strings.TrimRight(answer, "\n")

	switch {
	case strings.HasPrefix(answer, "OK"):
		size, err := strconv.ParseInt(strings.TrimPrefix(answer, "OK"), 16, 64)
		if err != nil {
			return fmt.Errorf("malformed answer %q", answer)
		}

		if size > 0 {
			payload := make([]byte, size)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return err
			}

			if sink != nil {
				sink(payload)
			}
		} else if sink == nil {
			fmt.Println("ok")
		}

		return nil
	case strings.HasPrefix(answer, "ERR"):
		return fmt.Errorf("server answered %s", answer)
	default:
		return fmt.Errorf("malformed answer %q", answer)
	}
}

func printHelp() {
	fmt.Print(`create <level> <subType> <itemType>       Create a top-level (types: string, u32, u64)
put <level> <sub> <item> <ttl> <value>    Insert or replace an item (ttl 0 = never expires)
update <level> <sub> <item> <ttl> <value> Put that skips byte-identical replaces
get <level> <sub> <item> [ttl]            Fetch an item, optionally touching it
touch <level> <sub> <item> <ttl>          Extend an item's lifetime
remove <level> <sub> <item>               Remove an item
exit / quit / q                           Exit
`)
}
