package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"

	"deepchat/internal/platform/rabbitmq"
	"deepchat/internal/repository"
)

const titleMaxRunes = 30

// SessionTitleWorker consumes first-message events and sets each session's
// title from a prefix of the message.
type SessionTitleWorker struct {
	conn      *amqp.Connection
	sessions  *repository.SessionRepository
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSessionTitleWorker(conn *amqp.Connection, sessions *repository.SessionRepository, queueName string) *SessionTitleWorker {
	return &SessionTitleWorker{
		conn:      conn,
		sessions:  sessions,
		queueName: queueName,
	}
}

func (w *SessionTitleWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var event rabbitmq.TitleEvent
				if err := json.Unmarshal(d.Body, &event); err != nil {
					log.Printf("worker decode title event failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				title := TitleFromContent(event.Content)
				if title == "" || event.SessionID == "" {
					_ = d.Ack(false)
					continue
				}

				if err := w.sessions.UpdateTitle(workerCtx, event.SessionID, title); err != nil {
					log.Printf("worker update session title failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *SessionTitleWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// TitleFromContent derives a session title from the first user message: the
// first line, capped at a small rune budget.
func TitleFromContent(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = strings.TrimSpace(content[:idx])
	}
	if utf8.RuneCountInString(content) <= titleMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleMaxRunes])
}
