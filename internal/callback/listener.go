package callback

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/valyala/fastjson"

	"evlogai/internal/model"
)

const (
	livenessText = "evlogai callback listener running"
	ackBody      = `{"status":"received"}`

	defaultGracePeriod  = 2 * time.Second
	defaultMaxBodyBytes = 10 << 20

	// wsaeAddrInUse is WSAEADDRINUSE, reported by Winsock instead of EADDRINUSE.
	wsaeAddrInUse = syscall.Errno(10048)
)

type Config struct {
	Addr         string // host:port, bound exactly
	GracePeriod  time.Duration
	MaxBodyBytes int64
}

// Delivery is the first result POSTed to the listener. Exactly one of
// Payload and Err is meaningful.
type Delivery struct {
	Payload    Payload
	Err        error
	ReceivedAt time.Time
}

// Listener accepts result callbacks for one round trip. Only the first POST
// is handed off; it waits in a 1-buffered channel until someone reads it.
type Listener struct {
	ln         net.Listener
	srv        *http.Server
	logger     arbor.ILogger
	grace      time.Duration
	maxBody    int64
	parsers    fastjson.ParserPool
	deliveries chan Delivery
	delivered  atomic.Bool
	stopping   atomic.Bool
	stopOnce   sync.Once
	stopped    chan struct{}
	serveDone  chan struct{}
}

// Start binds cfg.Addr and begins serving. A bind failure is a *model.BindError.
func Start(cfg Config, logger arbor.ILogger) (*Listener, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, &model.BindError{Addr: cfg.Addr, InUse: isAddrInUse(err), Err: err}
	}

	l := &Listener{
		ln:         ln,
		logger:     logger,
		grace:      cfg.GracePeriod,
		maxBody:    cfg.MaxBodyBytes,
		deliveries: make(chan Delivery, 1),
		stopped:    make(chan struct{}),
		serveDone:  make(chan struct{}),
	}
	// No read or write timeouts: the callback may arrive long after dispatch.
	l.srv = &http.Server{Handler: l}

	go func() {
		defer close(l.serveDone)
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !l.stopping.Load() {
			l.logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Callback listener stopped unexpectedly")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Callback listener started")
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Deliveries yields at most one Delivery.
func (l *Listener) Deliveries() <-chan Delivery { return l.deliveries }

// Stop closes the socket immediately and drains in-flight connections in the
// background for up to the grace period. The returned channel closes when the
// server has fully stopped. Safe to call more than once.
func (l *Listener) Stop() <-chan struct{} {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		_ = l.ln.Close()

		go func() {
			defer close(l.stopped)
			ctx, cancel := context.WithTimeout(context.Background(), l.grace)
			defer cancel()
			if err := l.srv.Shutdown(ctx); errors.Is(err, context.DeadlineExceeded) {
				l.logger.Warn().Str("grace", l.grace.String()).Msg("Callback listener forced closed")
				_ = l.srv.Close()
			}
			<-l.serveDone
			l.logger.Debug().Str("addr", l.ln.Addr().String()).Msg("Callback listener stopped")
		}()
	})
	return l.stopped
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, livenessText)
	case http.MethodPost:
		l.handleResult(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (l *Listener) handleResult(w http.ResponseWriter, r *http.Request) {
	received := time.Now()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBody))
	if err == nil {
		p := l.parsers.Get()
		_, err = p.ParseBytes(body)
		l.parsers.Put(p)
	}
	if err != nil {
		l.logger.Error().
			Err(err).
			Str("remote", r.RemoteAddr).
			Int("body_bytes", len(body)).
			Msg("Malformed callback body")
		w.WriteHeader(http.StatusInternalServerError)
		l.deliver(Delivery{Err: &model.CallbackError{Err: err}, ReceivedAt: received}, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ackBody)
	if err := http.NewResponseController(w).Flush(); err != nil {
		l.logger.Debug().Err(err).Msg("Flush callback ack")
	}

	l.deliver(Delivery{Payload: Payload{Raw: body}, ReceivedAt: received}, r)
}

func (l *Listener) deliver(d Delivery, r *http.Request) {
	if !l.delivered.CompareAndSwap(false, true) {
		l.logger.Warn().Str("remote", r.RemoteAddr).Msg("Callback already received; ignoring repeat delivery")
		return
	}
	l.logger.Info().Str("remote", r.RemoteAddr).Msg("Callback received")
	l.deliveries <- d
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, wsaeAddrInUse)
}
