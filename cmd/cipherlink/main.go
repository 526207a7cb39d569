// Command cipherlink is a CLI for the cipherlink encrypted messenger.
//
// Usage:
//
//	cipherlink register <username>     Create an account and key pair
//	cipherlink login <username>        Log in and restore the key backup
//	cipherlink send <to> <msg>         Send an encrypted text message
//	cipherlink history <peer>          Print the conversation transcript
//	cipherlink listen                  Print incoming messages as they arrive
//	cipherlink pin <host:port>         Print a server's certificate pin
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"

	client "cipherlink"
	"cipherlink/internal/relayclient"
)

type globalOpts struct {
	Server  string `long:"server" default:"https://relay.cipherlink.dev" description:"Relay base URL"`
	WS      string `long:"ws" default:"wss://relay.cipherlink.dev/ws" description:"Relay websocket URL"`
	DB      string `long:"db" description:"Path to database file"`
	NoPin   bool   `long:"no-pin" description:"Disable certificate pinning (testing only)"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Register registerCommand `command:"register" description:"Create an account"`
	Login    loginCommand    `command:"login" description:"Log in and restore the key backup"`
	Send     sendCommand     `command:"send" description:"Send an encrypted text message"`
	History  historyCommand  `command:"history" description:"Print the conversation transcript"`
	Listen   listenCommand   `command:"listen" description:"Print incoming messages as they arrive"`
	Pin      pinCommand      `command:"pin" description:"Print a server's certificate pin"`
}

type registerCommand struct {
	Args struct {
		Username string `positional-arg-name:"username" required:"true"`
	} `positional-args:"true" required:"true"`
}

type loginCommand struct {
	Args struct {
		Username string `positional-arg-name:"username" required:"true"`
	} `positional-args:"true" required:"true"`
}

type sendCommand struct {
	Args struct {
		Recipient string `positional-arg-name:"recipient" required:"true"`
		Message   string `positional-arg-name:"message" required:"true"`
	} `positional-args:"true" required:"true"`
}

type historyCommand struct {
	Limit int `short:"n" long:"limit" default:"50" description:"Messages per page"`
	Args  struct {
		Peer string `positional-arg-name:"peer" required:"true"`
	} `positional-args:"true" required:"true"`
}

type listenCommand struct{}

type pinCommand struct {
	Args struct {
		Addr string `positional-arg-name:"host:port" required:"true"`
	} `positional-args:"true" required:"true"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	var copts []client.Option
	copts = append(copts, client.WithBaseURL(opts.Server), client.WithWSURL(opts.WS))
	if opts.DB != "" {
		copts = append(copts, client.WithStorePath(opts.DB))
	}
	if opts.NoPin {
		copts = append(copts, client.WithPinnedHashes(nil))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return client.New(copts...)
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (c *registerCommand) Execute(_ []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	if err := cl.Register(context.Background(), c.Args.Username, password); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", c.Args.Username)
	return nil
}

func (c *loginCommand) Execute(_ []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	if err := cl.Login(context.Background(), c.Args.Username, password); err != nil {
		return err
	}
	fmt.Printf("logged in as %s, key restored\n", c.Args.Username)
	return nil
}

func (c *sendCommand) Execute(_ []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.SendText(context.Background(), c.Args.Recipient, c.Args.Message); err != nil {
		return err
	}
	fmt.Println("sent")
	return nil
}

func (c *historyCommand) Execute(_ []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	msgs, err := cl.History(context.Background(), c.Args.Peer, 0, c.Limit)
	if err != nil {
		return err
	}
	// Newest first on the wire; print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		marker := ""
		if m.DecryptFailed {
			marker = " [!]"
		}
		fmt.Printf("%s%s: %s\n", m.Sender, marker, m.Content)
	}
	return nil
}

func (c *listenCommand) Execute(_ []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = cl.Connect(ctx, func(env *client.Envelope) {
		marker := ""
		if env.DecryptFailed {
			marker = " [!]"
		}
		fmt.Printf("%s%s: %s\n", env.Sender, marker, env.Content)
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "listening, ctrl-c to stop")
	<-ctx.Done()
	return nil
}

func (c *pinCommand) Execute(_ []string) error {
	// Grab the leaf certificate without trusting it; the output is what
	// goes into the pinned allow-list.
	conn, err := tls.Dial("tcp", c.Args.Addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.Args.Addr, err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return fmt.Errorf("no certificate presented by %s", c.Args.Addr)
	}
	pin, err := relayclient.SPKIFingerprint(certs[0])
	if err != nil {
		return err
	}
	fmt.Println(pin)
	return nil
}
