package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"tgterm/internal/core"
	"tgterm/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// The shipped binary runs against the loopback protocol layer; a real
	// transport plugs in through the same three capabilities.
	loop := core.NewLoopback()

	app := fx.New(
		core.Module(core.Params{
			SessionName: sessionName,
			Source:      loop,
			Dialer:      loop,
			Transport:   loop,
		}),
	)

	app.Run()
}
