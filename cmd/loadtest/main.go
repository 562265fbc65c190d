package main

import (
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/logging"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	serverAddr string
	numClients int
	duration   time.Duration
	rampUp     time.Duration
	minDelay   time.Duration
	maxDelay   time.Duration
	sessions   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Simulate many chatting users against a relaychat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New("info", nil)
			stop := make(chan struct{})

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info().Msg("Shutdown signal received, stopping test...")
				close(stop)
			}()

			stats := runLoad(opts, logger, stop)
			report(opts, stats, logger)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverAddr, "server", "localhost:8888", "Server address")
	flags.IntVar(&opts.numClients, "clients", 10, "Number of concurrent clients")
	flags.DurationVar(&opts.duration, "duration", 60*time.Second, "Test duration per client")
	flags.DurationVar(&opts.rampUp, "ramp-up", 10*time.Second, "Time over which clients connect")
	flags.DurationVar(&opts.minDelay, "min-delay", 500*time.Millisecond, "Minimum delay between posts")
	flags.DurationVar(&opts.maxDelay, "max-delay", 2*time.Second, "Maximum delay between posts")
	flags.StringSliceVar(&opts.sessions, "sessions", []string{protocol.BroadcastSession}, "Sessions bots join, picked at random")

	return cmd
}

// runLoad spawns the bots and waits for all of them to finish
func runLoad(opts *options, logger zerolog.Logger, stop <-chan struct{}) *Stats {
	staggerDelay := time.Duration(0)
	if opts.numClients > 0 {
		staggerDelay = opts.rampUp / time.Duration(opts.numClients)
	}

	logger.Info().
		Str("server", opts.serverAddr).
		Int("clients", opts.numClients).
		Dur("duration", opts.duration).
		Dur("stagger", staggerDelay).
		Strs("sessions", opts.sessions).
		Msg("Starting load test")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, received, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logger.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/elapsed).
					Int64("received", received).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_ms", avgUs/1000.0).
					Msg("Stats")
			case <-stopStats:
				return
			}
		}
	}()

spawn:
	for i := 0; i < opts.numClients; i++ {
		wg.Add(1)
		session := opts.sessions[rand.Intn(len(opts.sessions))]

		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, opts.serverAddr, session, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug().Err(err).Int("bot", id).Msg("Bot failed to connect")
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				logger.Info().Int("bot", id).Str("name", bot.name).Msg("Connected")
			}

			bot.Run(opts.duration, opts.minDelay, opts.maxDelay, stop)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)
	return stats
}

func report(opts *options, stats *Stats, logger zerolog.Logger) {
	posted, received, failed, connErrors, avgUs := stats.snapshot()

	avgDelay := (opts.minDelay + opts.maxDelay) / 2
	expectedTotal := 0.0
	if avgDelay > 0 {
		expectedTotal = float64(opts.duration) / float64(avgDelay) * float64(opts.numClients)
	}

	event := logger.Info().
		Dur("duration", opts.duration).
		Int64("posted", posted).
		Float64("rate", float64(posted)/opts.duration.Seconds()).
		Int64("received", received).
		Int64("failed", failed).
		Int64("rejections", stats.rejections.Load()).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", connErrors).
		Float64("avg_ms", avgUs/1000.0).
		Float64("expected", expectedTotal)

	if posted+failed > 0 {
		event = event.Float64("success_pct", float64(posted)/float64(posted+failed)*100)
	}
	event.Msg("Final results")
}
