package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/model"
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(s *api.StatusResponse) {
	fmt.Printf("Session:       %s\n", s.Session)
	fmt.Printf("Status:        %s (since %s)\n", s.State, s.Since.Format(time.RFC3339))
	if s.UserID != "" {
		fmt.Printf("User:          %s\n", s.UserID)
	}
	fmt.Printf("Conversations: %d\n", s.Conversations)
	fmt.Printf("Queued:        %d\n", s.Queued)
	fmt.Printf("Uptime:        %s\n", (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
}

func printConversations(r *api.ConversationsResponse) {
	if len(r.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range r.Conversations {
		printConversation(&c)
	}
}

func printConversation(c *model.Conversation) {
	flags := ""
	if c.Pinned {
		flags += "P"
	}
	if c.Archived {
		flags += "A"
	}
	names := c.Participants[0].DisplayName + ", " + c.Participants[1].DisplayName
	last := ""
	if c.LastMessage != nil {
		last = c.LastMessage.Text
		if last == "" {
			last = "[" + c.LastMessage.Type + "]"
		}
	}
	fmt.Printf("%-2s %-16s %-28s %3d  %s\n", flags, c.ID, names, c.UnreadCount, last)
}

func printMessages(r *api.MessagesResponse) {
	for _, m := range r.Messages {
		printMessage(&m)
	}
}

func printMessage(m *model.Message) {
	body := m.Text
	switch {
	case m.ImageURL != "":
		body = fmt.Sprintf("%s [image %s]", body, m.ImageURL)
	case m.Proposal != nil:
		body = fmt.Sprintf("%s [proposal %s: %s]", body, m.Proposal.ID, m.Proposal.Status)
	}
	pending := ""
	if m.Pending {
		pending = " (sending)"
	}
	fmt.Printf("%s  %-10s %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.SenderID, body, pending)
}

func printUndo(r *api.UndoResponse) {
	fmt.Printf("Done. Undo with: convoctl undo %s\n", r.Token)
}

func printSearch(r *api.SearchResponse) {
	if len(r.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, res := range r.Results {
		fmt.Printf("%-16s %s  %s\n", res.Message.ConversationID, res.Message.CreatedAt.Local().Format("2006-01-02 15:04"), res.Snippet)
	}
}

func printPresence(r *api.PresenceResponse) {
	if len(r.Records) == 0 {
		fmt.Println("Nobody online.")
		return
	}
	for _, rec := range r.Records {
		state := "offline"
		if rec.Online {
			state = "online"
		}
		if !rec.Online && !rec.LastSeen.IsZero() {
			state += ", last seen " + rec.LastSeen.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-16s %s\n", rec.UserID, state)
	}
}

func printTyping(r *api.TypingResponse) {
	if r.Summary == "" {
		fmt.Println("Nobody is typing.")
		return
	}
	fmt.Println(r.Summary)
}

func printCall(r *api.CallResponse) {
	s := r.Session
	fmt.Printf("State: %s\n", s.State)
	if s.ID != "" {
		fmt.Printf("Call:  %s (%s with %s in %s)\n", s.ID, s.Direction, s.PeerID, s.ConversationID)
	}
}
