package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/npezzotti/pairchat/internal/auth"
	"github.com/npezzotti/pairchat/internal/client"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/npezzotti/pairchat/internal/logging"
	"github.com/npezzotti/pairchat/internal/session"
	"github.com/npezzotti/pairchat/internal/store"
	"github.com/npezzotti/pairchat/internal/types"
	"github.com/spf13/cobra"
)

const handshakeTimeout = 10 * time.Second

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a conversation with another user",
	Long: `Open a conversation with another user through the relay.

Every line read from stdin is sent as a text message. "/image <url> [caption]"
sends an image message and "/quit" leaves the conversation.`,
	RunE: runChat,
}

func init() {
	flags := chatCmd.Flags()
	flags.String("user", "", "id of the signed-in user")
	flags.String("with", "", "id of the peer to chat with")
	flags.String("relay-url", "ws://localhost:8000/ws", "websocket url of the relay")
	flags.String("data-dir", "", "directory of the local message log; history is kept in memory only when empty")
	flags.Int("reconnect-max-attempts", 5, "dial attempts per connect cycle")
	flags.Duration("reconnect-delay", time.Second, "delay between dial attempts")
	flags.Int("outbox-size", 256, "frames kept while offline")
	flags.Duration("typing-debounce", 1500*time.Millisecond, "input pause before typing ends")
	flags.Duration("probe-interval", 5*time.Second, "interval of the relay reachability probe")
}

// staticIdentity is a user signed in for the lifetime of the process.
type staticIdentity string

func (id staticIdentity) CurrentUserId() (string, bool) {
	return string(id), id != ""
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewClientConfig(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	peer, _ := cmd.Flags().GetString("with")
	if peer == "" {
		return errors.New("--with is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storeOpts []store.Option
	if cfg.DataDir != "" {
		plog, err := store.OpenPebbleLog(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open message log: %w", err)
		}
		defer func() {
			if err := plog.Close(); err != nil {
				logger.Errorf("close message log: %v", err)
			}
		}()
		storeOpts = append(storeOpts, store.WithPersister(plog))
	}

	messageStore := store.NewMessageStore(logger, storeOpts...)
	if _, err := messageStore.Restore(ctx); err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}

	out := cmd.OutOrStdout()

	cm := client.NewConnectionManager(
		logger,
		client.NewWebsocketDialer(handshakeTimeout),
		staticIdentity(cfg.UserId),
		auth.NewSigner(cfg.SigningKey, auth.DefaultExpiry),
		client.Options{
			URL:                  cfg.RelayURL,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			RetryDelay:           cfg.RetryDelay,
			OutboxSize:           cfg.OutboxSize,
		},
	)
	defer cm.Close()

	router := client.NewRouter(logger, cm, messageStore)
	cm.HandleInbound(router.Dispatch)
	cm.OnStateChange(func(s client.State) {
		fmt.Fprintf(out, "* %s\n", s)
	})

	inbox := session.NewInbox(logger, messageStore, router, cfg.UserId)
	defer inbox.Close()

	sess, err := session.Open(logger, messageStore, router, cfg.UserId, peer, session.Options{Debounce: cfg.Debounce})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	view := newTranscript(out, sess, cfg.UserId)
	view.render()
	sess.OnChange(view.render)

	monitor, err := client.NewProbeMonitor(logger, cfg.RelayURL, cfg.ProbeInterval)
	if err != nil {
		return fmt.Errorf("network monitor: %w", err)
	}
	go monitor.Run(ctx, cm.NetworkAvailable)

	if err := cm.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}

			if rest, isImage := strings.CutPrefix(line, "/image "); isImage {
				ref, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
				sess.SendImage(ref, caption)
				continue
			}

			sess.InputChanged(line)
			sess.Send(line)
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// transcript prints the conversation as it grows.
type transcript struct {
	out  io.Writer
	sess *session.Session
	me   string

	mu         sync.Mutex
	printed    map[string]bool
	peerTyping bool
	peerOnline bool
}

func newTranscript(out io.Writer, sess *session.Session, me string) *transcript {
	return &transcript{
		out:     out,
		sess:    sess,
		me:      me,
		printed: make(map[string]bool),
	}
}

func (t *transcript) render() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range t.sess.Messages() {
		if t.printed[m.Id] {
			continue
		}
		t.printed[m.Id] = true
		fmt.Fprintln(t.out, formatMessage(m, t.me))
	}

	if online := t.sess.PeerOnline(); online != t.peerOnline {
		t.peerOnline = online
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Fprintf(t.out, "* %s is %s\n", t.sess.Peer(), state)
	}

	if typing := t.sess.PeerTyping(); typing != t.peerTyping {
		t.peerTyping = typing
		if typing {
			fmt.Fprintf(t.out, "* %s is typing...\n", t.sess.Peer())
		}
	}
}

func formatMessage(m types.Message, me string) string {
	from := m.SenderId
	if from == me {
		from = "you"
	}

	body := m.Content
	if m.Type == types.ImageMessage {
		body = strings.TrimSpace(fmt.Sprintf("[image %s] %s", m.ImageUrl, m.Content))
	}

	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(time.Kitchen), from, body)
}
