// Command client is a line-oriented terminal chat client. Plain input is
// broadcast; /msg sends a private message, /nick requests a rename, /who
// prints the roster, /quit leaves. Joins and departures trigger a desktop
// notification sound when available.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gen2brain/beeep"
	"github.com/zurbaevi/chat/pkg/client"
)

func main() {
	addr := flag.String("server", "localhost:7231", "Server address (host:port)")
	nick := flag.String("nick", "", "Nickname to register (prompted if empty)")
	useWS := flag.Bool("ws", false, "Connect over WebSocket instead of TCP")
	secure := flag.Bool("wss", false, "Use TLS for the WebSocket connection (implies -ws)")
	quiet := flag.Bool("quiet", false, "Disable join/leave notification sounds")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	var opts []client.Option
	if *useWS || *secure {
		opts = append(opts, client.WithWebSocket(*secure))
	}
	if *debug {
		opts = append(opts, client.WithLogger(log.New(os.Stderr, "client: ", log.LstdFlags)))
	}

	conn := client.NewConnection(*addr, opts...)
	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go eventLoop(conn, *nick, *quiet, done)
	go inputLoop(conn)

	<-done
}

// eventLoop prints every server event and drives the name handshake. Stdin
// stays with inputLoop: when a nickname is requested and none was given on
// the command line, the next plain input line registers it.
func eventLoop(conn *client.Connection, preferredNick string, quiet bool, done chan<- struct{}) {
	defer close(done)

	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case client.NameRequested:
			if preferredNick != "" {
				nick := preferredNick
				preferredNick = "" // Prompt on any retry
				if err := conn.Register(nick); err != nil {
					fmt.Printf("! %v\n", err)
				}
				continue
			}
			fmt.Print("Nickname: ")

		case client.Registered:
			fmt.Printf("* %s\n", ev)
			fmt.Printf("* online: %s\n", strings.Join(ev.Roster, ", "))

		case client.NameRejected:
			fmt.Printf("! %s\n", ev)

		case client.UserJoined:
			fmt.Printf("* %s\n", ev)
			notify(quiet, fmt.Sprintf("%s joined", ev.Nickname))

		case client.UserLeft:
			fmt.Printf("* %s\n", ev)
			notify(quiet, fmt.Sprintf("%s left", ev.Nickname))

		case client.Disconnected:
			fmt.Printf("* %s\n", ev)
			return

		default:
			fmt.Println(ev)
		}
	}
}

// inputLoop reads stdin lines and turns them into operations.
func inputLoop(conn *client.Connection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if conn.State() == client.StateRegistering && !strings.HasPrefix(line, "/") {
			if err := conn.Register(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}

		var err error
		switch {
		case line == "/quit":
			err = conn.Leave()

		case line == "/who":
			fmt.Printf("* online: %s\n", strings.Join(conn.Roster(), ", "))

		case strings.HasPrefix(line, "/nick "):
			err = conn.Rename(strings.TrimSpace(strings.TrimPrefix(line, "/nick ")))

		case strings.HasPrefix(line, "/msg "):
			rest := strings.TrimPrefix(line, "/msg ")
			recipient, content, ok := strings.Cut(rest, " ")
			if !ok || strings.TrimSpace(content) == "" {
				fmt.Println("! usage: /msg <nickname> <message>")
				continue
			}
			err = conn.SendPrivate(recipient, content)

		case strings.HasPrefix(line, "/"):
			fmt.Println("! commands: /msg <nick> <text>, /nick <name>, /who, /quit")

		default:
			err = conn.SendChat(line)
		}

		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func notify(quiet bool, message string) {
	if quiet {
		return
	}
	// Best effort; headless environments have no notification daemon
	_ = beeep.Notify("Chat", message, "")
}
