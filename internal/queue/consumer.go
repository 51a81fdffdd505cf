package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Consumer{nc: nc, js: js}, nil
}

// ConsumePhotoTasks starts consuming ingestion tasks from the PHOTOS stream.
// workerCount bounds how many goroutines process tasks concurrently;
// extraction is CPU and memory heavy, so this stays small.
func (c *Consumer) ConsumePhotoTasks(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, PhotosStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", PhotosStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    3,
		FilterSubject: PhotosSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	// Fetch loop
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(msgCh)
				return
			default:
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					close(msgCh)
					return
				}
				slog.Warn("fetch photo tasks error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					close(msgCh)
					return
				}
			}
		}
	}()

	// Workers
	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process photo task error", "worker", workerID, "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}(i)
	}

	slog.Info("photo task consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeProgress starts consuming progress events (for the API to
// broadcast over WebSocket).
func (c *Consumer) ConsumeProgress(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, ProgressStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", ProgressStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: ProgressSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process progress event error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("progress consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
