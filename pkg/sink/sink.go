package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/84hero/dapp-scout/internal/webhook"
	"github.com/84hero/dapp-scout/pkg/aggregate"
	"github.com/IBM/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Output defines the interface for publishing completed scan results to a
// downstream consumer.
type Output interface {
	Name() string
	Send(ctx context.Context, summary *aggregate.InteractionSummary) error
	Close() error
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client *webhook.Client
}

func NewWebhookOutput(cfg webhook.Config) *WebhookOutput {
	return &WebhookOutput{client: webhook.NewClient(cfg)}
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	return w.client.Send(ctx, summary)
}

func (w *WebhookOutput) Close() error { return nil }

// --- 2. File Output ---

type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.NewEncoder(f.file).Encode(summary)
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewEncoder(os.Stdout).Encode(summary)
}

func (c *ConsoleOutput) Close() error { return nil }

// --- 4. Redis Output ---

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	if r.mode == "pubsub" {
		return r.client.Publish(ctx, r.key, data).Err()
	}
	return r.client.LPush(ctx, r.key, data).Err()
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 5. Kafka Output ---

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(summary.WalletAddress),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 6. RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		err = ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, _ := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		ch.QueueBind(q.Name, routingKey, exchange, false, nil)
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, summary *aggregate.InteractionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}

// Fanout sends a summary to every output concurrently, collecting send
// failures without letting one sink block the others' delivery.
func Fanout(ctx context.Context, outputs []Output, summary *aggregate.InteractionSummary) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, out := range outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			if err := o.Send(ctx, summary); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
				mu.Unlock()
			}
		}(out)
	}
	wg.Wait()
	return errs
}
