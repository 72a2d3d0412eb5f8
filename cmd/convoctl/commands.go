package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/session"
	"github.com/urfave/cli/v2"
)

// action runs one request against the daemon.
type action[T any] func(ctx context.Context, cc *cli.Context, c *api.Client) (T, error)

// daemonAction resolves the session, dials its socket and prints the result
// as JSON or through show.
func daemonAction[T any](run func(context.Context, *cli.Context, *api.Client) (T, error), show func(T)) cli.ActionFunc {
	return func(cc *cli.Context) error {
		c, name, err := dial(cc)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(cc.Context, cc.Duration("timeout"))
		defer cancel()
		v, err := run(ctx, cc, c)
		if err != nil {
			return fmt.Errorf("session %q: %w", name, err)
		}
		if cc.Bool("json") {
			return outputJSON(v)
		}
		show(v)
		return nil
	}
}

func dial(cc *cli.Context) (*api.Client, string, error) {
	name := session.Resolve(cc.String("session"))
	if err := session.ValidateName(name); err != nil {
		return nil, name, err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, name, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, name, nil
}

func arg(cc *cli.Context, i int, what string) (string, error) {
	v := strings.TrimSpace(cc.Args().Get(i))
	if v == "" {
		return "", fmt.Errorf("missing %s", what)
	}
	return v, nil
}

func cmdStatus(ctx context.Context, _ *cli.Context, c *api.Client) (*api.StatusResponse, error) {
	return c.Status(ctx)
}

func cmdLogin(ctx context.Context, cc *cli.Context, c *api.Client) (*api.StatusResponse, error) {
	token, err := arg(cc, 0, "token")
	if err != nil {
		return nil, err
	}
	return c.Login(ctx, token)
}

func cmdLogout(ctx context.Context, _ *cli.Context, c *api.Client) (*api.StatusResponse, error) {
	return c.Logout(ctx)
}

func cmdConversations(ctx context.Context, cc *cli.Context, c *api.Client) (*api.ConversationsResponse, error) {
	return c.Conversations(ctx, cc.Bool("refresh"))
}

func cmdOpen(ctx context.Context, cc *cli.Context, c *api.Client) (*api.MessagesResponse, error) {
	id, err := arg(cc, 0, "conversation id")
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, id)
}

func cmdSend(ctx context.Context, cc *cli.Context, c *api.Client) (*model.Message, error) {
	id, err := arg(cc, 0, "conversation id")
	if err != nil {
		return nil, err
	}
	req := &api.SendRequest{
		ConversationID: id,
		Text:           strings.Join(cc.Args().Tail(), " "),
	}
	if path := cc.String("image"); path != "" {
		// The daemon reads the file itself and may not share our working directory.
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("image path: %w", err)
		}
		req.ImagePath = abs
	}
	if _, err := c.Open(ctx, id); err != nil {
		return nil, err
	}
	return c.Send(ctx, req)
}

func mutation(op string) action[*api.UndoResponse] {
	return func(ctx context.Context, cc *cli.Context, c *api.Client) (*api.UndoResponse, error) {
		id, err := arg(cc, 0, "conversation id")
		if err != nil {
			return nil, err
		}
		switch op {
		case "pin":
			return c.Pin(ctx, id)
		case "archive":
			return c.Archive(ctx, id)
		default:
			return c.Delete(ctx, id)
		}
	}
}

func cmdUndo(ctx context.Context, cc *cli.Context, c *api.Client) (*model.Conversation, error) {
	token, err := arg(cc, 0, "undo token")
	if err != nil {
		return nil, err
	}
	return c.Undo(ctx, token)
}

func cmdSearch(ctx context.Context, cc *cli.Context, c *api.Client) (*api.SearchResponse, error) {
	query := strings.TrimSpace(strings.Join(cc.Args().Slice(), " "))
	if query == "" {
		return nil, errors.New("missing query")
	}
	return c.Search(ctx, &api.SearchRequest{
		Query:          query,
		ConversationID: cc.String("conversation"),
		Limit:          cc.Int("limit"),
	})
}

func cmdPresence(ctx context.Context, cc *cli.Context, c *api.Client) (*api.PresenceResponse, error) {
	if user := cc.Args().First(); user != "" {
		return c.Presence(ctx, user)
	}
	return c.Online(ctx)
}

func cmdTyping(ctx context.Context, _ *cli.Context, c *api.Client) (*api.TypingResponse, error) {
	return c.Typing(ctx)
}

func cmdProposal(ctx context.Context, cc *cli.Context, c *api.Client) (*model.Message, error) {
	id, err := arg(cc, 0, "message id")
	if err != nil {
		return nil, err
	}
	st, err := arg(cc, 1, "status")
	if err != nil {
		return nil, err
	}
	return c.UpdateProposal(ctx, id, model.ProposalStatus(st))
}

func cmdCallStart(ctx context.Context, cc *cli.Context, c *api.Client) (*api.CallResponse, error) {
	id, err := arg(cc, 0, "conversation id")
	if err != nil {
		return nil, err
	}
	return c.StartCall(ctx, id, cc.String("peer"))
}

func callAction(name string) action[*api.CallResponse] {
	return func(ctx context.Context, _ *cli.Context, c *api.Client) (*api.CallResponse, error) {
		return c.CallAction(ctx, name)
	}
}

// cmdWatch streams events until interrupted.
func cmdWatch(cc *cli.Context) error {
	c, name, err := dial(cc)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(cc.Context, os.Interrupt)
	defer stop()
	stream, err := c.Watch(ctx, cc.Args().Slice()...)
	if err != nil {
		return fmt.Errorf("session %q: %w", name, err)
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("session %q: %w", name, err)
		}
		if cc.Bool("json") {
			if err := outputJSON(evt); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s  %-24s %s\n", evt.Timestamp.Format("15:04:05.000"), evt.Kind, string(evt.Payload))
	}
}

// cmdSessions lists session directories and whether a daemon holds each.
func cmdSessions(cc *cli.Context) error {
	names, err := session.List()
	if err != nil {
		return err
	}
	type row struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
		User    string `json:"user,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		r := row{Name: name}
		if owner, held, err := lock.Inspect(session.Dir(name)); err == nil && held {
			r.Running, r.PID, r.User = true, owner.PID, owner.User
		}
		rows = append(rows, r)
	}
	if cc.Bool("json") {
		return outputJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running (pid %d)", r.PID)
		}
		fmt.Printf("  %-20s %-20s %s\n", r.Name, state, r.User)
	}
	return nil
}
