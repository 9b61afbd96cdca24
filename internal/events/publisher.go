// Package events публикует события жизненного цикла заказов в RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tuktuk-delivery/marketplace-system/internal/model"
)

const exchangeName = "marketplace.orders"

// Типы событий заказа. Ключ маршрутизации — "order.<тип>".
const (
	EventOrderCreated       = "created"
	EventOrderStatusChanged = "status_changed"
	EventOrderClaimed       = "claimed"
	EventOrderDelivered     = "delivered"
)

// OrderEvent описывает сообщение об изменении заказа.
// Подписчик по order_id и updated_at может отбрасывать устаревшие выборки.
type OrderEvent struct {
	OrderID    string  `json:"order_id"`
	BusinessID string  `json:"business_id"`
	DriverID   string  `json:"driver_id,omitempty"`
	Status     string  `json:"status"`
	Total      float64 `json:"total"`
	UpdatedAt  string  `json:"updated_at"`
}

// Publisher отправляет события заказов в topic-exchange брокера.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks  <-chan amqp.Confirmation
	mu    sync.Mutex // сериализует Publish при включённых confirms
	stale int        // подтверждения публикаций, прерванных по контексту
}

// NewPublisher подключается к брокеру и объявляет exchange для событий заказов.
func NewPublisher(uri string) (*Publisher, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	// Включаем publisher confirms и подписываемся на подтверждения
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Publisher{conn: conn, ch: ch, acks: acks}, nil
}

// Close закрывает канал и соединение с брокером.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// PublishOrderEvent публикует событие заказа и ждёт ack/nack от брокера.
func (p *Publisher) PublishOrderEvent(ctx context.Context, event string, o *model.Order) error {
	if p == nil {
		return nil
	}

	msg := OrderEvent{
		OrderID:    o.ID,
		BusinessID: o.BusinessID,
		DriverID:   o.DriverID,
		Status:     string(o.Status),
		Total:      float64(o.TotalCents) / 100,
		UpdatedAt:  o.UpdatedAt.Format(time.RFC3339),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.resync(ctx); err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx,
		exchangeName,
		"order."+event,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return p.awaitConfirm(ctx)
}

// awaitConfirm ждёт подтверждение последней публикации. При отмене контекста
// подтверждение остаётся в очереди и помечается устаревшим, иначе следующая
// публикация приняла бы его за своё.
func (p *Publisher) awaitConfirm(ctx context.Context) error {
	select {
	case conf := <-p.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		p.stale++
		return ctx.Err()
	}
}

// resync выбирает устаревшие подтверждения перед новой публикацией.
func (p *Publisher) resync(ctx context.Context) error {
	for p.stale > 0 {
		select {
		case <-p.acks:
			p.stale--
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
