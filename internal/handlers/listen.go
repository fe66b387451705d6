package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xelth-com/graphnotify/internal/models"
	"github.com/xelth-com/graphnotify/internal/notify"
)

const maxNotificationBody = 4 << 20

// echoValidationToken answers the publisher's endpoint handshake. It reports
// whether the request was a handshake.
func echoValidationToken(w http.ResponseWriter, req *http.Request) bool {
	q := req.URL.Query()
	if !q.Has("validationToken") {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("validationToken"))
	return true
}

// decodeBody reads a JSON batch. A body that does not decode completely
// yields the zero batch, never a partially filled one.
func decodeBody[T any](log *slog.Logger, req *http.Request) T {
	var v T
	body := http.MaxBytesReader(nil, req.Body, maxNotificationBody)
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		log.Debug("ignoring malformed notification body", "path", req.URL.Path, "error", err)
		var zero T
		return zero
	}
	return v
}

// listen receives change notifications. Anything but a handshake is answered
// with 202 once the batch is done or the response budget runs out, whichever
// comes first; unfinished work continues in the background.
func (r *Router) listen(w http.ResponseWriter, req *http.Request) {
	if echoValidationToken(w, req) {
		return
	}

	env := decodeBody[models.Envelope](r.log, req)

	if len(env.Value) > 0 {
		r.runDetached(req.Context(), "notifications", func(ctx context.Context) notify.Result {
			return r.notifier.Process(ctx, &env)
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

// lifecycle receives subscription lifecycle events
func (r *Router) lifecycle(w http.ResponseWriter, req *http.Request) {
	if echoValidationToken(w, req) {
		return
	}

	env := decodeBody[models.LifecycleEnvelope](r.log, req)

	if len(env.Value) > 0 {
		r.runDetached(req.Context(), "lifecycle", func(ctx context.Context) notify.Result {
			return r.notifier.ProcessLifecycle(ctx, &env)
		})
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) runDetached(parent context.Context, kind string, fn func(context.Context) notify.Result) {
	ctx := context.WithoutCancel(parent)
	done := make(chan notify.Result, 1)

	r.detached.Add(1)
	go func() {
		defer r.detached.Done()
		done <- fn(ctx)
	}()

	budget := r.cfg.Notify.ResponseBudget
	if budget <= 0 {
		budget = 3 * time.Second
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-done:
		r.log.Debug("batch processed", "kind", kind, "items", len(res.Items),
			"delivered", res.Count(notify.Delivered), "authentic", res.Authentic)
	case <-timer.C:
		r.log.Warn("responding before batch finished", "kind", kind, "budget", budget)
	}
}
