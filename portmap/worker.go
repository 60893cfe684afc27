package portmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Protocol is the transport protocol of a mapping.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

const (
	// DefaultTimeout bounds a single map or unmap operation.
	DefaultTimeout = 10 * time.Second
	// DefaultLifetime is the lease requested from the router.
	DefaultLifetime = 2 * time.Hour
)

// ErrWorkerClosed is reported for tasks submitted after Close.
var ErrWorkerClosed = errors.New("port mapping worker closed")

// Mapper creates and deletes port mappings on one gateway.
type Mapper interface {
	// Name identifies the mapping protocol in logs.
	Name() string
	// AddMapping forwards externalPort (0 means same as internal) to the
	// local internalPort and returns the port the gateway assigned.
	AddMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16, lifetime time.Duration) (uint16, error)
	// DeleteMapping removes a mapping created by AddMapping.
	DeleteMapping(ctx context.Context, proto Protocol, internalPort, externalPort uint16) error
}

// Request describes one map or unmap operation.
type Request struct {
	Mapper       Mapper
	Protocol     Protocol
	InternalPort uint16
	// ExternalPort is the requested external port for a map and the port to
	// release for an unmap.
	ExternalPort uint16
	Unmap        bool
	Lifetime     time.Duration
	Timeout      time.Duration
}

// Result is the outcome of a Request.
type Result struct {
	Request      Request
	ExternalPort uint16
	Err          error
}

type task struct {
	ctx    context.Context
	req    Request
	result chan Result
}

// Worker executes port mapping requests one at a time.
type Worker struct {
	mu     sync.Mutex
	queue  []*task
	closed bool
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWorker starts a worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

var defaultWorker = sync.OnceValue(NewWorker)

// Default returns the process-wide worker.
func Default() *Worker {
	return defaultWorker()
}

// Submit queues req on the process-wide worker.
func Submit(ctx context.Context, req Request) <-chan Result {
	return Default().Submit(ctx, req)
}

// Submit queues req. The returned channel receives at most one Result and is
// then closed. ctx is the owner's lifetime, see the package documentation.
func (w *Worker) Submit(ctx context.Context, req Request) <-chan Result {
	t := &task{ctx: ctx, req: req, result: make(chan Result, 1)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		t.result <- Result{Request: req, Err: ErrWorkerClosed}
		close(t.result)
		return t.result
	}
	w.queue = append(w.queue, t)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return t.result
}

// Close stops the worker after the task in flight. Queued tasks are dropped.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	for _, t := range pending {
		close(t.result)
	}
}

func (w *Worker) next() *task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	return t
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		t := w.next()
		if t == nil {
			select {
			case <-w.notify:
				continue
			case <-w.done:
				return
			}
		}
		w.execute(t)
	}
}

func (w *Worker) execute(t *task) {
	defer close(t.result)
	req := t.req

	logger := logrus.WithFields(logrus.Fields{
		"function":      "Worker.execute",
		"mapper":        mapperName(req.Mapper),
		"protocol":      string(req.Protocol),
		"internal_port": req.InternalPort,
		"unmap":         req.Unmap,
	})

	if req.Mapper == nil {
		t.result <- Result{Request: req, Err: errors.New("no mapper")}
		return
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if req.Unmap {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := req.Mapper.DeleteMapping(ctx, req.Protocol, req.InternalPort, req.ExternalPort)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to delete port mapping")
			err = fmt.Errorf("failed to delete mapping for port %d: %w", req.ExternalPort, err)
		} else {
			logger.Info("Port mapping deleted")
		}
		t.result <- Result{Request: req, ExternalPort: req.ExternalPort, Err: err}
		return
	}

	if t.ctx.Err() != nil {
		logger.Debug("Owner gone before mapping started, dropping task")
		return
	}

	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	external, err := req.Mapper.AddMapping(ctx, req.Protocol, req.InternalPort, req.ExternalPort, lifetime)
	cancel()

	if t.ctx.Err() != nil {
		if err == nil {
			logger.WithField("external_port", external).Info("Owner gone during mapping, releasing port")
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if derr := req.Mapper.DeleteMapping(ctx, req.Protocol, req.InternalPort, external); derr != nil {
				logger.WithError(derr).Warn("Failed to release orphaned port mapping")
			}
			cancel()
		}
		return
	}

	if err != nil {
		logger.WithError(err).Warn("Port mapping failed")
		t.result <- Result{Request: req, Err: fmt.Errorf("failed to map port %d: %w", req.InternalPort, err)}
		return
	}
	logger.WithField("external_port", external).Info("Port mapping created")
	t.result <- Result{Request: req, ExternalPort: external}
}

func mapperName(m Mapper) string {
	if m == nil {
		return "none"
	}
	return m.Name()
}
