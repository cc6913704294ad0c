package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/Jamshidjalolov/chatsync/internal/api"
	"github.com/Jamshidjalolov/chatsync/internal/lock"
	"github.com/Jamshidjalolov/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		namespace := ""
		if len(args) > 1 {
			namespace = args[1]
		}
		cmdWatch(c, namespace, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := &printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		out.status(call(ctx, c, api.SessionServiceName, "GetStatus", nil))
	case "token":
		need(args, 2, "token <jwt>")
		out.kv(call(ctx, c, api.SessionServiceName, "SetToken", map[string]any{"token": args[1]}))
	case "activate":
		need(args, 2, "activate <channel>")
		out.kv(call(ctx, c, api.ChatServiceName, "Activate", map[string]any{"channel": args[1]}))
	case "deactivate":
		out.kv(call(ctx, c, api.ChatServiceName, "Deactivate", nil))
	case "channels":
		out.channels(call(ctx, c, api.ChatServiceName, "ListChannels", nil))
	case "messages":
		req := map[string]any{}
		if len(args) > 1 {
			req["channel"] = args[1]
		}
		out.messages(call(ctx, c, api.MessageServiceName, "ListMessages", req))
	case "send":
		cmdSend(ctx, c, out, args[1:])
	case "edit":
		need(args, 3, "edit <id> <text>")
		out.message(call(ctx, c, api.MessageServiceName, "Edit", map[string]any{"id": parseID(args[1]), "text": args[2]}))
	case "delete":
		need(args, 2, "delete <id>")
		out.kv(call(ctx, c, api.MessageServiceName, "Delete", map[string]any{"id": parseID(args[1])}))
	case "retry":
		out.kv(call(ctx, c, api.ChatServiceName, "RetryRealtime", nil))
	case "visible":
		need(args, 2, "visible <on|off>")
		out.kv(call(ctx, c, api.ChatServiceName, "SetVisible", map[string]any{"visible": onOff(args[1])}))
	case "focus":
		out.kv(call(ctx, c, api.ChatServiceName, "Focus", nil))
	case "refresh":
		out.kv(call(ctx, c, api.ChatServiceName, "Refresh", nil))
	case "typing":
		need(args, 2, "typing <on|off>")
		out.kv(call(ctx, c, api.ChatServiceName, "SetTyping", map[string]any{"typing": onOff(args[1])}))
	case "search":
		need(args, 2, "search <query>")
		out.search(call(ctx, c, api.MessageServiceName, "SearchMessages", map[string]any{"query": args[1]}))
	case "sync-status":
		need(args, 2, "sync-status <channel>")
		out.kv(call(ctx, c, api.SyncServiceName, "GetSyncStatus", map[string]any{"channel": args[1]}))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show session status")
	fmt.Fprintln(os.Stderr, "  sessions                    List known sessions")
	fmt.Fprintln(os.Stderr, "  token <jwt>                 Set the bearer token")
	fmt.Fprintln(os.Stderr, "  activate <channel>          Open a channel (group:<id> or direct:<id>)")
	fmt.Fprintln(os.Stderr, "  deactivate                  Close the active channel")
	fmt.Fprintln(os.Stderr, "  channels                    List journaled channels")
	fmt.Fprintln(os.Stderr, "  messages [channel]          Show messages")
	fmt.Fprintln(os.Stderr, "  send [-file f] [-sticker s] [text]")
	fmt.Fprintln(os.Stderr, "                              Send on the active channel")
	fmt.Fprintln(os.Stderr, "  edit <id> <text>            Edit a message")
	fmt.Fprintln(os.Stderr, "  delete <id>                 Delete a message")
	fmt.Fprintln(os.Stderr, "  retry                       Retry the realtime transport")
	fmt.Fprintln(os.Stderr, "  visible <on|off>            Report page visibility")
	fmt.Fprintln(os.Stderr, "  focus                       Report window focus")
	fmt.Fprintln(os.Stderr, "  refresh                     Force a fallback fetch")
	fmt.Fprintln(os.Stderr, "  typing <on|off>             Report local typing")
	fmt.Fprintln(os.Stderr, "  search <query>              Search the journal")
	fmt.Fprintln(os.Stderr, "  sync-status <channel>       Show the last fallback fetch")
	fmt.Fprintln(os.Stderr, "  watch [namespace]           Stream daemon events")
}

func cmdSend(ctx context.Context, c *api.Client, out *printer, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("file", "", "attach a local file")
	sticker := fs.String("sticker", "", "send a sticker by id")
	_ = fs.Parse(args)

	req := map[string]any{}
	if fs.NArg() > 0 {
		req["text"] = fs.Arg(0)
	}
	if *sticker != "" {
		req["sticker_id"] = *sticker
	}
	if *file != "" {
		// The daemon opens the file itself, so hand it an absolute path.
		abs, err := filepath.Abs(*file)
		if err != nil {
			fail(err)
		}
		req["file"] = abs
	}
	out.message(call(ctx, c, api.MessageServiceName, "Send", req))
}

func cmdWatch(c *api.Client, namespace string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Watch(ctx, namespace, func(evt map[string]any) error {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(evt)
		}
		at := time.UnixMilli(int64(num(evt["occurred_at_ms"])))
		fmt.Printf("%s  %-24s %-12v %v\n", at.Format("15:04:05.000"), evt["kind"], evt["channel"], evt["payload"])
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdSessions(jsonOut bool) {
	names, err := session.Known()
	if err != nil {
		fail(err)
	}
	var rows []map[string]any
	for _, name := range names {
		row := map[string]any{"name": name, "path": session.Dir(name)}
		if owner, err := lock.Inspect(session.Dir(name)); err == nil && owner.PID > 0 {
			row["pid"] = owner.PID
		}
		if _, err := os.Stat(session.SocketPath(name)); err == nil {
			row["socket"] = true
		}
		rows = append(rows, row)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r["socket"] == true {
			state = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", r["name"], r["path"], state)
	}
}

func call(ctx context.Context, c *api.Client, service, method string, args map[string]any) map[string]any {
	resp, err := c.Call(ctx, service, method, args)
	if err != nil {
		fail(err)
	}
	return resp
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
		os.Exit(1)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fail(fmt.Errorf("invalid message id %q", s))
	}
	return id
}

func onOff(s string) bool {
	switch s {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	}
	fail(fmt.Errorf("expected on or off, got %q", s))
	return false
}

func fail(err error) {
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

// num reads a Struct number, which always decodes as float64.
func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
