package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Dispatcher fans messages out to every matching webhook.
type Dispatcher struct {
	configs []Config
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config, logger *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Deliver sends m to all matching webhooks concurrently and waits. It
// returns how many accepted the message; the error joins every failure.
func (d *Dispatcher) Deliver(ctx context.Context, m Message) (int, error) {
	var (
		mu        sync.Mutex
		delivered int
		errs      []error
		wg        sync.WaitGroup
	)
	for _, cfg := range d.configs {
		if !cfg.matches(m) {
			continue
		}
		wg.Add(1)
		go func(cfg Config) {
			defer wg.Done()
			err := Send(ctx, cfg, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			delivered++
		}(cfg)
	}
	wg.Wait()
	return delivered, errors.Join(errs...)
}

// Dispatch delivers in the background. Failures are logged. Use Wait to
// drain in-flight deliveries on shutdown.
func (d *Dispatcher) Dispatch(m Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Deliver(context.Background(), m); err != nil {
			d.logger.Warn("alert delivery failed", "summary", m.Summary, "error", err)
		}
	}()
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Notifier accepts messages for human attention.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Notify implements Notifier. It fails when no webhook accepted m.
func (d *Dispatcher) Notify(ctx context.Context, m Message) error {
	n, err := d.Deliver(ctx, m)
	if n == 0 && err == nil {
		return errors.New("alert: no webhook matched the message")
	}
	if n == 0 {
		return err
	}
	return nil
}
