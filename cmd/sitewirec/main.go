package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/sitewire/sitewire/client"
	"github.com/sitewire/sitewire/models"
)

var (
	logger  *slog.Logger
	baseURL string
	apiKey  string
	timeout time.Duration

	successColor = color.New(color.FgHiGreen)
	errorColor   = color.New(color.FgHiRed)
	infoColor    = color.New(color.FgHiYellow)
	dataColor    = color.New(color.FgHiWhite)
)

func init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})
	logger = slog.New(handler)

	flag.StringVar(&baseURL, "url", "http://127.0.0.1:8080", "Base URL of the sitewire service")
	flag.StringVar(&apiKey, "key", os.Getenv("SITEWIRE_API_KEY"), "API key (defaults to SITEWIRE_API_KEY)")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  watch                               stream live events to stdout")
	fmt.Fprintln(os.Stderr, "  publish <kind> <payload-json>       publish an event")
	fmt.Fprintln(os.Stderr, "  channels                            list channels")
	fmt.Fprintln(os.Stderr, "  channel-create <name>               create a channel")
	fmt.Fprintln(os.Stderr, "  send <channel-id> <body>            send a chat message")
	fmt.Fprintln(os.Stderr, "  messages <channel-id> [page]        list messages in a channel")
	fmt.Fprintln(os.Stderr, "  unread                              show unread counts per channel")
	fmt.Fprintln(os.Stderr, "  mark-read <channel-id> <seq>        advance the read watermark")
	fmt.Fprintln(os.Stderr, "  notifications [page]                list notifications")
	fmt.Fprintln(os.Stderr, "  notify <user> <title> [body]        create a notification")
	fmt.Fprintln(os.Stderr, "  notification-read <id>              mark a notification read")
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	if apiKey == "" {
		errorColor.Fprintln(os.Stderr, "An api key is required (-key or SITEWIRE_API_KEY)")
		os.Exit(1)
	}

	c, err := client.NewClient(&client.Config{
		BaseURL: baseURL,
		ApiKey:  apiKey,
		Timeout: timeout,
		Logger:  logger,
	})
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "watch":
		runWatch(ctx, c)
	case "publish":
		runPublish(ctx, c, rest)
	case "channels":
		runChannels(ctx, c)
	case "channel-create":
		runChannelCreate(ctx, c, rest)
	case "send":
		runSend(ctx, c, rest)
	case "messages":
		runMessages(ctx, c, rest)
	case "unread":
		runUnread(ctx, c)
	case "mark-read":
		runMarkRead(ctx, c, rest)
	case "notifications":
		runNotifications(ctx, c, rest)
	case "notify":
		runNotify(ctx, c, rest)
	case "notification-read":
		runNotificationRead(ctx, c, rest)
	default:
		errorColor.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func requireArgs(rest []string, n int, what string) {
	if len(rest) < n {
		errorColor.Fprintf(os.Stderr, "Missing argument: %s\n", what)
		os.Exit(1)
	}
}

func pageArg(rest []string, idx int) int {
	if len(rest) > idx {
		if n, err := strconv.Atoi(rest[idx]); err == nil {
			return n
		}
	}
	return 1
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	dataColor.Println(string(data))
}

func runWatch(ctx context.Context, c *client.Client) {
	stream, err := c.OpenStream(ctx)
	if err != nil {
		fatal(err)
	}
	defer stream.Close()

	infoColor.Fprintln(os.Stderr, "Streaming events, ctrl-c to stop")
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	for {
		_, data, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatal(err)
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("Skipping unparseable frame", "error", err)
			continue
		}
		infoColor.Printf("[%s] %s\n", ev.Topic, ev.Kind)
		printJSON(ev)
	}
}

func runPublish(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 2, "publish <kind> <payload-json>")

	payload, err := models.DecodePayload(rest[0], []byte(rest[1]))
	if err != nil {
		fatal(err)
	}

	// Notification kinds are addressed to the user baked into the
	// payload's userId where one exists.
	user := ""
	switch pl := payload.(type) {
	case models.NotificationPayload:
		user = pl.UserID
	}

	if err := c.PublishEvent(ctx, rest[0], user, payload); err != nil {
		fatal(err)
	}
	successColor.Println("Published")
}

func runChannels(ctx context.Context, c *client.Client) {
	channels, err := c.Channels(ctx)
	if err != nil {
		fatal(err)
	}
	printJSON(channels)
}

func runChannelCreate(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 1, "channel-create <name>")
	ch, err := c.CreateChannel(ctx, rest[0])
	if err != nil {
		fatal(err)
	}
	printJSON(ch)
}

func runSend(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 2, "send <channel-id> <body>")
	msg, err := c.SendMessage(ctx, rest[0], rest[1])
	if err != nil {
		fatal(err)
	}
	printJSON(msg)
}

func runMessages(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 1, "messages <channel-id> [page]")
	page, err := c.Messages(ctx, rest[0], pageArg(rest, 1), 20)
	if err != nil {
		fatal(err)
	}
	printJSON(page)
}

func runUnread(ctx context.Context, c *client.Client) {
	rows, err := c.Unread(ctx)
	if err != nil {
		fatal(err)
	}
	if len(rows) == 0 {
		successColor.Println("All caught up")
		return
	}
	printJSON(rows)
}

func runMarkRead(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 2, "mark-read <channel-id> <seq>")
	seq, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid seq %q: %w", rest[1], err))
	}
	if err := c.MarkChannelRead(ctx, rest[0], seq); err != nil {
		fatal(err)
	}
	successColor.Println("Marked read")
}

func runNotifications(ctx context.Context, c *client.Client, rest []string) {
	page, err := c.Notifications(ctx, pageArg(rest, 0), 20)
	if err != nil {
		fatal(err)
	}
	printJSON(page)
}

func runNotify(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 2, "notify <user> <title> [body]")
	body := ""
	if len(rest) > 2 {
		body = rest[2]
	}
	notif, err := c.CreateNotification(ctx, rest[0], rest[1], body)
	if err != nil {
		fatal(err)
	}
	printJSON(notif)
}

func runNotificationRead(ctx context.Context, c *client.Client, rest []string) {
	requireArgs(rest, 1, "notification-read <id>")
	if err := c.MarkNotificationRead(ctx, rest[0]); err != nil {
		fatal(err)
	}
	successColor.Println("Marked read")
}
