package main

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

var errConnectionClosed = errors.New("connection closed")

// botName returns a unique user name that passes server name validation
func botName(id int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("bot%d_%s", id, suffix)
}

func randomSentence() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

type Stats struct {
	messagesPosted    atomic.Int64
	messagesReceived  atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	rejections        atomic.Int64
	timeouts          atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (posted, received, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient is one simulated user
type BotClient struct {
	id      int
	name    string
	session string
	conn    *client.Connection
	stats   *Stats
	timeout time.Duration
}

func NewBotClient(id int, serverAddr, session string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:      id,
		name:    botName(id),
		session: session,
		conn:    conn,
		stats:   stats,
		timeout: 10 * time.Second,
	}, nil
}

// await reads incoming messages until match accepts one. Everything else
// counts as received traffic.
func (bc *BotClient) await(match func(protocol.Message) (bool, error)) error {
	deadline := time.NewTimer(bc.timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-bc.conn.Incoming():
			if !ok {
				return errConnectionClosed
			}
			done, err := match(msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if msg.Kind == protocol.KindChat {
				bc.stats.messagesReceived.Add(1)
			}
		case err, ok := <-bc.conn.Errors():
			if !ok || errors.Is(err, client.ErrDisconnected) {
				return errConnectionClosed
			}
			return err
		case <-deadline.C:
			return fmt.Errorf("timeout")
		}
	}
}

func isError(msg protocol.Message) bool {
	return msg.Kind == protocol.KindSystem && strings.HasPrefix(msg.Body, "Error:")
}

// Connect dials, announces the bot and joins its session
func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		return err
	}

	if err := bc.conn.Send(protocol.Message{Kind: protocol.KindConnect, Sender: bc.name}); err != nil {
		return err
	}
	err := bc.await(func(msg protocol.Message) (bool, error) {
		if isError(msg) {
			return false, fmt.Errorf("name rejected: %s", msg.Body)
		}
		return msg.Kind == protocol.KindSystem && strings.HasPrefix(msg.Body, "Welcome "), nil
	})
	if err != nil {
		return err
	}

	if err := bc.conn.Send(protocol.Message{Kind: protocol.KindJoin, Sender: bc.name, Target: bc.session}); err != nil {
		return err
	}
	return bc.await(func(msg protocol.Message) (bool, error) {
		if isError(msg) {
			return false, fmt.Errorf("join rejected: %s", msg.Body)
		}
		_, id, ok := protocol.ParseJoined(msg.Body)
		return msg.Kind == protocol.KindSystem && ok && id == bc.session, nil
	})
}

// PostRandomMessage sends one chat and waits for its echo
func (bc *BotClient) PostRandomMessage() error {
	body := randomSentence()
	start := time.Now()

	msg := protocol.Message{Kind: protocol.KindChat, Sender: bc.name, Target: bc.session, Body: body}
	if err := bc.conn.Send(msg); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}

	err := bc.await(func(in protocol.Message) (bool, error) {
		if isError(in) {
			return false, fmt.Errorf("post rejected: %s", in.Body)
		}
		return in.Kind == protocol.KindChat && in.Sender == bc.name && in.Body == body, nil
	})

	switch {
	case err == nil:
		bc.stats.recordSuccess(time.Since(start).Microseconds())
	case errors.Is(err, errConnectionClosed):
		bc.stats.messagesFailed.Add(1)
		bc.stats.disconnections.Add(1)
	case strings.HasPrefix(err.Error(), "timeout"):
		bc.stats.messagesFailed.Add(1)
		bc.stats.timeouts.Add(1)
	default:
		bc.stats.messagesFailed.Add(1)
		bc.stats.rejections.Add(1)
	}
	return err
}

// Run posts messages with random pauses until duration has passed
func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); errors.Is(err, errConnectionClosed) {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-time.After(delay):
		case <-stop:
			bc.conn.Send(protocol.Message{Kind: protocol.KindDisconnect, Sender: bc.name})
			time.Sleep(50 * time.Millisecond)
			return
		}
	}

	bc.conn.Send(protocol.Message{Kind: protocol.KindDisconnect, Sender: bc.name})
	time.Sleep(50 * time.Millisecond)
}
