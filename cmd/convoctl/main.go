package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/config"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/profile"
	"github.com/matheus3301/convo/internal/store"
)

// EnvToken supplies a bearer token when --token is not given.
const EnvToken = "CONVO_TOKEN"

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	tokenFlag := flag.String("token", "", "bearer token to act as another identity (default $"+EnvToken+")")
	waitFlag := flag.Bool("wait", false, "wait for sends to be delivered or fail")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// These work without a running daemon.
	switch args[0] {
	case "status":
		if _, held := lock.Holder(profile.Dir(name)); !held {
			if *jsonFlag {
				outputJSON(map[string]any{"profile": name, "state": "NOT_RUNNING"})
				return
			}
			fmt.Printf("Profile: %s\nState:   not running\n", name)
			return
		}
	case "token":
		cmdToken(args[1:])
		return
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()
	token := *tokenFlag
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	c.SetToken(token)

	ctl := &ctl{c: c, json: *jsonFlag, wait: *waitFlag}

	if args[0] == "watch" {
		ctl.watch(args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		ctl.status(ctx)
	case "conversations", "convs":
		ctl.conversations(ctx, args[1:])
	case "messages":
		need(args, 2, "messages <conversation-id>")
		ctl.messages(ctx, args[1])
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		ctl.send(ctx, args[1], strings.Join(args[2:], " "))
	case "attach":
		need(args, 4, "attach <conversation-id> <kind> <path> [caption]")
		ctl.attach(ctx, args[1], args[2], args[3], strings.Join(args[4:], " "))
	case "retry":
		need(args, 2, "retry <client-id>")
		ctl.retry(ctx, args[1])
	case "read":
		need(args, 2, "read <message-id>")
		ctl.read(ctx, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convoctl [--profile <name>] [--json] [--token <jwt>] [--wait] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                                Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations list [--archived]       List conversations")
	fmt.Fprintln(os.Stderr, "  conversations create [kind id]        Create a conversation")
	fmt.Fprintln(os.Stderr, "  conversations archive <id>            Archive a conversation")
	fmt.Fprintln(os.Stderr, "  messages <id>                         Show a conversation log")
	fmt.Fprintln(os.Stderr, "  send <id> <text>                      Send a text message")
	fmt.Fprintln(os.Stderr, "  attach <id> <kind> <path> [caption]   Upload and send a file")
	fmt.Fprintln(os.Stderr, "  retry <client-id>                     Resubmit a failed send")
	fmt.Fprintln(os.Stderr, "  read <message-id>                     Mark a message read")
	fmt.Fprintln(os.Stderr, "  watch <id> [--focus]                  Stream live changes")
	fmt.Fprintln(os.Stderr, "  token --user <id> --role <role>       Issue a bearer token")
}

type ctl struct {
	c    *api.Client
	json bool
	wait bool
}

func (t *ctl) status(ctx context.Context) {
	st, err := t.c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	if t.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("State:    %s\n", st.State)
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	fmt.Printf("Identity: %s (%s)\n", st.Identity.Name(), st.Identity.Role)
	fmt.Printf("PID:      %d\n", st.PID)
	fmt.Printf("Uptime:   %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
	fmt.Printf("Live:     %d channels, %d subscriptions, %d uploads\n", st.LiveChannels, st.Subscriptions, st.Uploads)
}

func (t *ctl) conversations(ctx context.Context, args []string) {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		archived := fs.Bool("archived", false, "include archived conversations")
		limit := fs.Int("limit", 0, "page size")
		offset := fs.Int("offset", 0, "page offset")
		_ = fs.Parse(args[min(1, len(args)):])
		resp, err := t.c.ListConversations(ctx, api.ListRequest{IncludeArchived: *archived, Limit: *limit, Offset: *offset})
		if err != nil {
			fatal(err)
		}
		if t.json {
			outputJSON(resp)
			return
		}
		if len(resp.Conversations) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, conv := range resp.Conversations {
			flags := ""
			if conv.Archived {
				flags = " [archived]"
			}
			fmt.Printf("%-28s %-20s %-14s unread=%d%s\n", conv.ID, conv.Initiator.Name(), conv.Subject, conv.Unread, flags)
		}
	case "create":
		req := api.CreateRequest{}
		if len(args) >= 3 {
			req.SubjectKind, req.SubjectID = args[1], args[2]
		}
		resp, err := t.c.CreateConversation(ctx, req)
		if err != nil {
			fatal(err)
		}
		if t.json {
			outputJSON(resp)
			return
		}
		fmt.Println(resp.Conversation.ID)
	case "archive":
		need(args, 2, "conversations archive <id>")
		if err := t.c.ArchiveConversation(ctx, args[1]); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown conversations subcommand: %s", sub))
	}
}

func (t *ctl) messages(ctx context.Context, convID string) {
	resp, err := t.c.ListMessages(ctx, convID)
	if err != nil {
		fatal(err)
	}
	if t.json {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		printMessage(m)
	}
	for _, e := range resp.Pending {
		fmt.Printf("  ... %-8s %s (%s, %d attempts) %s\n", e.Status, e.ClientID, e.Kind, e.Attempts, e.Body)
	}
}

func (t *ctl) send(ctx context.Context, convID, text string) {
	resp, err := t.c.SendText(ctx, api.SendTextRequest{ConversationID: convID, Text: text, Wait: t.wait})
	if err != nil {
		fatal(err)
	}
	t.printEntry(resp.Entry)
}

func (t *ctl) attach(ctx context.Context, convID, kind, path, caption string) {
	resp, err := t.c.SendAttachment(ctx, api.SendAttachmentRequest{
		ConversationID: convID, Kind: kind, Path: path, Caption: caption, Wait: t.wait,
	})
	if err != nil {
		fatal(err)
	}
	t.printEntry(resp.Entry)
}

func (t *ctl) retry(ctx context.Context, clientID string) {
	resp, err := t.c.Retry(ctx, api.RetryRequest{ClientID: clientID, Wait: t.wait})
	if err != nil {
		fatal(err)
	}
	t.printEntry(resp.Entry)
}

func (t *ctl) read(ctx context.Context, id string) {
	messageID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid message id %q", id))
	}
	if err := t.c.MarkRead(ctx, messageID); err != nil {
		fatal(err)
	}
}

func (t *ctl) watch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	focus := fs.Bool("focus", false, "mark incoming messages read")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatal(fmt.Errorf("usage: convoctl watch <conversation-id> [--focus]"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := t.c.Watch(ctx, api.WatchRequest{ConversationID: fs.Arg(0), Focus: *focus}, func(f api.WatchFrame) error {
		if t.json {
			outputJSON(f)
			return nil
		}
		if f.Error != "" {
			return fmt.Errorf("%s", f.Error)
		}
		for _, m := range f.Added {
			printMessage(m)
		}
		for _, id := range f.Read {
			fmt.Printf("  read %d\n", id)
		}
		for _, e := range f.Pending {
			fmt.Printf("  ... %-8s %s %s\n", e.Status, e.ClientID, e.Body)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

func (t *ctl) printEntry(e store.OutboxEntry) {
	if t.json {
		outputJSON(e)
		return
	}
	fmt.Printf("%s %s", e.ClientID, e.Status)
	if e.MessageID != 0 {
		fmt.Printf(" message=%d", e.MessageID)
	}
	if e.LastError != "" {
		fmt.Printf(" error=%q", e.LastError)
	}
	fmt.Println()
}

func printMessage(m store.Message) {
	mark := " "
	if m.Read {
		mark = "✓"
	}
	body := m.Body
	if m.Attachment != nil {
		body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.Kind, m.Attachment.URL, m.Body))
	}
	fmt.Printf("%6d %s %s %-12s %s\n", m.ID, m.SentAt.Local().Format("01-02 15:04"), mark, m.SenderName, body)
}

// cmdToken issues a bearer token with the secret from config.toml.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	displayName := fs.String("name", "", "display name")
	role := fs.String("role", string(identity.Initiator), "initiator or staff")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatal(err)
	}
	r, err := identity.ParseRole(*role)
	if err != nil {
		fatal(err)
	}
	v := identity.NewVerifier(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer)
	if !v.Enabled() {
		fatal(fmt.Errorf("http.jwt_secret is not set in %s", profile.ConfigPath()))
	}
	token, err := v.Issue(identity.Identity{UserID: *user, DisplayName: *displayName, Role: r}, *ttl)
	if err != nil {
		fatal(err)
	}
	fmt.Println(token)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: convoctl "+usage)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
