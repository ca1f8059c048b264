package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/marketplace/internal/model"
	"github.com/iurnickita/marketplace/internal/notify/config"
)

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

type Outcome struct {
	Success bool
	Error   string
}

// Sender почтовый сервис
type Sender interface {
	Send(ctx context.Context, msg Message) Outcome
}

// Recorder журнал результатов доставки
type Recorder interface {
	NotificationPost(ctx context.Context, notification model.Notification) error
}

// Notifier отправка без ожидания: ошибки доставки не влияют на вызывающего
type Notifier interface {
	Notify(msgs ...Message)
}

// HTTP API почтового сервиса

type httpSender struct {
	client *resty.Client
	from   string
}

func NewHTTPSender(cfg config.Config) Sender {
	client := resty.New().
		SetBaseURL(cfg.SenderAddr).
		SetAuthToken(cfg.SenderKey).
		SetTimeout(10 * time.Second)
	return &httpSender{client: client, from: cfg.From}
}

type sendRequest struct {
	From string `json:"from"`
	Message
}

func (s *httpSender) Send(ctx context.Context, msg Message) Outcome {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(sendRequest{From: s.from, Message: msg}).
		Post("/emails")
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return Outcome{Error: fmt.Sprintf("send status: %d", resp.StatusCode())}
	}
	return Outcome{Success: true}
}

// logSender пишет письма в лог, когда почтовый сервис не настроен
type logSender struct {
	zaplog *zap.Logger
}

func NewLogSender(zaplog *zap.Logger) Sender {
	return &logSender{zaplog: zaplog}
}

func (s *logSender) Send(_ context.Context, msg Message) Outcome {
	s.zaplog.Info("notification",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text))
	return Outcome{Success: true}
}

// Dispatcher очередь писем с фоновыми отправителями.
// Notify никогда не блокируется: при переполненной очереди письмо отбрасывается и попадает в журнал.
type Dispatcher struct {
	sender   Sender
	recorder Recorder
	zaplog   *zap.Logger
	queue    chan Message
	wg       sync.WaitGroup
	observe  func(success bool)
}

func NewDispatcher(cfg config.Config, sender Sender, recorder Recorder, zaplog *zap.Logger) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		sender:   sender,
		recorder: recorder,
		zaplog:   zaplog,
		queue:    make(chan Message, queueSize),
		observe:  func(bool) {},
	}
}

// SetObserver счетчик результатов (метрики)
func (d *Dispatcher) SetObserver(observe func(success bool)) {
	d.observe = observe
}

// Start запускает workers отправителей до закрытия ctx
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-d.queue:
					d.deliver(ctx, msg)
				}
			}
		}()
	}
}

// Wait ожидает остановки workers
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Notify(msgs ...Message) {
	for _, msg := range msgs {
		if msg.To == "" {
			continue
		}
		select {
		case d.queue <- msg:
		default:
			d.zaplog.Warn("notification queue is full", zap.String("to", msg.To), zap.String("subject", msg.Subject))
			d.record(context.Background(), msg, Outcome{Error: "queue is full"})
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	outcome := d.sender.Send(sendCtx, msg)
	if !outcome.Success {
		d.zaplog.Warn("notification failed",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject),
			zap.String("error", outcome.Error))
	}
	d.record(ctx, msg, outcome)
}

func (d *Dispatcher) record(ctx context.Context, msg Message, outcome Outcome) {
	d.observe(outcome.Success)
	err := d.recorder.NotificationPost(context.WithoutCancel(ctx), model.Notification{
		ID:        uuid.NewString(),
		To:        msg.To,
		Subject:   msg.Subject,
		Success:   outcome.Success,
		Error:     outcome.Error,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		d.zaplog.Error("notification outcome not recorded", zap.Error(err))
	}
}
