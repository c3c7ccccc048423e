package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/masssend/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsCommands() *cli.Command {
	natsURL := &cli.StringFlag{
		Name:    "nats-url",
		Usage:   "NATS server URL",
		EnvVars: []string{"NATS_URL"},
		Value:   "nats://localhost:4222",
	}

	return &cli.Command{
		Name:  "nats",
		Usage: "Read transfer events straight from NATS JetStream",
		Subcommands: []*cli.Command{
			{
				Name:      "subscribe",
				Usage:     "Follow transfer events for one owner, or for every owner",
				ArgsUsage: "[owner_address]",
				Description: `Events are published to the subject transfers.{owner}.

Example:
  masssend nats subscribe DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK --history`,
				Flags: []cli.Flag{
					natsURL,
					&cli.BoolFlag{
						Name:  "history",
						Usage: "Replay retained events before following new ones",
					},
				},
				Action: subscribeAction,
			},
			{
				Name:   "inspect-stream",
				Usage:  "Inspect the " + natspkg.StreamName + " JetStream stream",
				Flags:  []cli.Flag{natsURL},
				Action: inspectStreamAction,
			},
		},
	}
}

func subscribeAction(c *cli.Context) error {
	owner := c.Args().First()
	jsonOutput := c.Bool("json")

	nc, err := natspkg.Connect(c.String("nats-url"), "masssend-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deliver := jetstream.DeliverNewPolicy
	if c.Bool("history") {
		deliver = jetstream.DeliverAllPolicy
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: natspkg.Subject(owner),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !jsonOutput {
		fmt.Fprintf(c.App.ErrWriter, "Subscribed to %s (Ctrl+C to stop)\n\n", natspkg.Subject(owner))
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()
		if jsonOutput {
			fmt.Fprintln(c.App.Writer, string(msg.Data()))
			return
		}
		var ev natspkg.TransferEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "failed to decode event: %v\n", err)
			return
		}
		printEvent(c.App.Writer, &ev)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

func inspectStreamAction(c *cli.Context) error {
	nc, err := natspkg.Connect(c.String("nats-url"), "masssend-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.Stream(context.Background(), natspkg.StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if c.Bool("json") {
		return outputJSON(c.App.Writer, info)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
	fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
	fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
	fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
	fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
	fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
	fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
	fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
	return nil
}
