// Package proxy routes inbound requests to the supervised child.
//
// Every request is first admitted by the supervisor. Depending on the child's
// status it is forwarded right away, held until the child announces its port,
// or answered with an error without reaching the child.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/pmgate/internal/log"
	"github.com/mattjoyce/pmgate/internal/metrics"
	"github.com/mattjoyce/pmgate/internal/pending"
	"github.com/mattjoyce/pmgate/internal/supervisor"
)

// Withdraw reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonClientGone = "client_gone"
)

//go:generate mockgen -destination=mocks/mock_admitter.go -package=mocks github.com/mattjoyce/pmgate/internal/proxy Admitter

// Admitter is the part of the supervisor the dispatcher needs.
type Admitter interface {
	Admit(ctx context.Context, e *pending.Entry) (supervisor.Admission, error)
	Withdraw(ctx context.Context, e *pending.Entry, reason string) (bool, error)
}

// Options configures a Dispatcher.
type Options struct {
	// RoutePrefix is stripped from the path before forwarding.
	RoutePrefix string
	// UpstreamHost is the host the child listens on. Defaults to localhost.
	UpstreamHost string
	// PendingTimeout bounds how long a request waits for the child to become
	// ready. Zero waits indefinitely.
	PendingTimeout time.Duration
	Transport      http.RoundTripper
	Metrics        metrics.Collector
	Logger         *slog.Logger
}

// Dispatcher is the http.Handler in front of the child.
type Dispatcher struct {
	admitter       Admitter
	prefix         string
	host           string
	pendingTimeout time.Duration
	transport      http.RoundTripper
	metrics        metrics.Collector
	logger         *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(admitter Admitter, opts Options) *Dispatcher {
	d := &Dispatcher{
		admitter:       admitter,
		prefix:         strings.TrimRight(opts.RoutePrefix, "/"),
		host:           opts.UpstreamHost,
		pendingTimeout: opts.PendingTimeout,
		transport:      opts.Transport,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
	if d.host == "" {
		d.host = "localhost"
	}
	if d.metrics == nil {
		d.metrics = metrics.Noop()
	}
	if d.logger == nil {
		d.logger = log.WithComponent("proxy")
	}
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry := pending.NewEntry(r, w)
	// Whatever happens to this request, the next one in line may go.
	defer entry.MarkDispatched()

	adm, err := d.admitter.Admit(r.Context(), entry)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	switch adm.Action {
	case supervisor.ActionForward:
		d.forward(w, r, adm.Port, entry)
	case supervisor.ActionWait:
		if adm.Entry != entry {
			// Same request admitted twice; the first handler answers it.
			d.logger.Debug("request already queued", "entry", adm.Entry.ID, "path", r.URL.Path)
			return
		}
		d.wait(w, r, entry)
	default:
		d.reject(w, r, adm.Code, adm.Err)
	}
}

func (d *Dispatcher) wait(w http.ResponseWriter, r *http.Request, e *pending.Entry) {
	var timeout <-chan time.Time
	if d.pendingTimeout > 0 {
		t := time.NewTimer(d.pendingTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case o := <-e.Ready():
		d.resolve(w, r, e, o)
	case <-timeout:
		if o, ok := d.withdraw(r, e, ReasonTimeout); ok {
			d.resolve(w, r, e, o)
			return
		}
		d.logger.Warn("request timed out waiting for child", "path", r.URL.Path, "waited", d.pendingTimeout)
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for process to start")
	case <-r.Context().Done():
		// Nothing is written to a departed client, whatever the outcome.
		d.withdraw(r, e, ReasonClientGone)
		d.logger.Debug("client left while queued", "path", r.URL.Path)
	}
}

// withdraw pulls e out of the queue. When it was already resolved, the
// outcome is returned with ok=true.
func (d *Dispatcher) withdraw(r *http.Request, e *pending.Entry, reason string) (pending.Outcome, bool) {
	// The request context may already be cancelled; the withdrawal must
	// still reach the supervisor.
	removed, err := d.admitter.Withdraw(context.WithoutCancel(r.Context()), e, reason)
	if err != nil {
		d.logger.Warn("withdraw failed", "entry", e.ID, "error", err)
	}
	if removed {
		return pending.Outcome{}, false
	}
	select {
	case o := <-e.Ready():
		return o, true
	default:
		return pending.Outcome{}, false
	}
}

func (d *Dispatcher) resolve(w http.ResponseWriter, r *http.Request, e *pending.Entry, o pending.Outcome) {
	if !o.Forward() {
		code := o.Code
		if code == 0 {
			code = http.StatusServiceUnavailable
		}
		d.reject(w, r, code, o.Err)
		return
	}
	if o.After != nil {
		select {
		case <-o.After:
		case <-r.Context().Done():
			return
		}
	}
	d.forward(w, r, o.Port, e)
}

func (d *Dispatcher) reject(w http.ResponseWriter, r *http.Request, code int, err error) {
	msg := http.StatusText(code)
	if err != nil {
		msg = err.Error()
	}
	d.logger.Debug("request rejected", "path", r.URL.Path, "status", code, "error", msg)
	writeError(w, code, msg)
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, port int, e *pending.Entry) {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(d.host, strconv.Itoa(port))}
	start := time.Now()
	var forwardErr error

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = StripPrefix(pr.In.URL.Path, d.prefix)
			if pr.In.URL.RawPath != "" {
				pr.Out.URL.RawPath = StripPrefix(pr.In.URL.RawPath, d.prefix)
			} else {
				pr.Out.URL.RawPath = ""
			}
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host

			trace := &httptrace.ClientTrace{
				WroteRequest: func(httptrace.WroteRequestInfo) { e.MarkDispatched() },
			}
			pr.Out = pr.Out.WithContext(httptrace.WithClientTrace(pr.Out.Context(), trace))
		},
		Transport: d.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			forwardErr = err
			if errors.Is(err, context.Canceled) {
				d.logger.Debug("client left during forward", "path", r.URL.Path)
			} else {
				d.logger.Warn("forward to child failed", "path", r.URL.Path, "port", port, "error", err)
			}
			writeError(w, http.StatusInternalServerError, err.Error())
		},
	}

	d.logger.Debug("forwarding request", "method", r.Method, "path", r.URL.Path, "port", port)
	rp.ServeHTTP(w, r)
	d.metrics.Forwarded(time.Since(start), forwardErr)
}

// StripPrefix removes prefix from path when path is the prefix itself or a
// subpath of it. The result always starts with "/".
func StripPrefix(path, prefix string) string {
	if prefix == "" || prefix == "/" {
		return ensureSlash(path)
	}
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):]
	}
	return ensureSlash(path)
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}
