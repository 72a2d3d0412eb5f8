package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "convoctl",
		Usage: "control a running convod session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "session name (overrides config default)",
				EnvVars: []string{"CONVO_SESSION"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "per-request timeout",
			},
		},
		Commands: []*cli.Command{
			{Name: "status", Usage: "show session status", Action: daemonAction(cmdStatus, printStatus)},
			{Name: "sessions", Usage: "list known sessions", Action: cmdSessions},
			{Name: "login", Usage: "log in with a backend session token", ArgsUsage: "<token>", Action: daemonAction(cmdLogin, printStatus)},
			{Name: "logout", Usage: "close the channel and forget the token", Action: daemonAction(cmdLogout, printStatus)},
			{
				Name:   "conversations",
				Usage:  "list conversations",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "refresh", Usage: "reload from the backend first"}},
				Action: daemonAction(cmdConversations, printConversations),
			},
			{Name: "open", Usage: "open a conversation and show its thread", ArgsUsage: "<conversation>", Action: daemonAction(cmdOpen, printMessages)},
			{
				Name:      "send",
				Usage:     "send a message to a conversation",
				ArgsUsage: "<conversation> [text]",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "image", Usage: "attach the image at `PATH`"}},
				Action:    daemonAction(cmdSend, printMessage),
			},
			{Name: "pin", Usage: "toggle pinned", ArgsUsage: "<conversation>", Action: daemonAction(mutation("pin"), printUndo)},
			{Name: "archive", Usage: "toggle archived", ArgsUsage: "<conversation>", Action: daemonAction(mutation("archive"), printUndo)},
			{Name: "delete", Usage: "delete a conversation", ArgsUsage: "<conversation>", Action: daemonAction(mutation("delete"), printUndo)},
			{Name: "undo", Usage: "revert a pin, archive or delete", ArgsUsage: "<token>", Action: daemonAction(cmdUndo, printConversation)},
			{
				Name:      "search",
				Usage:     "search cached messages",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "conversation", Usage: "restrict to one conversation"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum results"},
				},
				Action: daemonAction(cmdSearch, printSearch),
			},
			{Name: "presence", Usage: "show presence for a user, or everyone online", ArgsUsage: "[user]", Action: daemonAction(cmdPresence, printPresence)},
			{Name: "typing", Usage: "show who is typing", Action: daemonAction(cmdTyping, printTyping)},
			{
				Name:      "proposal",
				Usage:     "accept or reject a booking proposal",
				ArgsUsage: "<message> <accepted|rejected>",
				Action:    daemonAction(cmdProposal, printMessage),
			},
			{
				Name:  "call",
				Usage: "video call signaling",
				Subcommands: []*cli.Command{
					{
						Name:      "start",
						Usage:     "call the peer of a conversation",
						ArgsUsage: "<conversation>",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "peer", Usage: "user to call (defaults to the conversation peer)"}},
						Action:    daemonAction(cmdCallStart, printCall),
					},
					{Name: "cancel", Usage: "cancel an outgoing invite", Action: daemonAction(callAction("Cancel"), printCall)},
					{Name: "accept", Usage: "accept an incoming invite", Action: daemonAction(callAction("Accept"), printCall)},
					{Name: "decline", Usage: "decline an incoming invite", Action: daemonAction(callAction("Decline"), printCall)},
					{Name: "hangup", Usage: "end the active call", Action: daemonAction(callAction("Hangup"), printCall)},
					{Name: "state", Usage: "show the call state", Action: daemonAction(callAction("State"), printCall)},
				},
			},
			{
				Name:      "watch",
				Usage:     "stream daemon events",
				ArgsUsage: "[prefix...]",
				Action:    cmdWatch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
