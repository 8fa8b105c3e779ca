package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vbonduro/siteassess/internal/syncengine"
)

type syncFunc func(ctx context.Context, id string, progress syncengine.Progress) syncengine.Result

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, s.engine.Submit)
}

func (s *Server) handleSyncPhotos(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, s.engine.SyncPhotos)
}

// runSync runs a sync operation to completion even if the client goes away.
// Clients that accept text/event-stream receive a progress event per photo
// and a final done event carrying the result.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, run syncFunc) {
	id := r.PathValue("id")
	ctx := context.WithoutCancel(r.Context())

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		res := run(ctx, id, nil)
		status := http.StatusOK
		if !res.OK {
			status = statusFor(res.Err)
		}
		s.writeJSON(w, status, res)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, canFlush := w.(http.Flusher)
	gone := false
	send := func(event string, v any) {
		if gone || r.Context().Err() != nil {
			gone = true
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("encode sync event failed", "assessment_id", id, "error", err)
			return
		}
		if _, err := w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n")); err != nil {
			gone = true
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	res := run(ctx, id, func(done, total int) {
		send("progress", map[string]int{"done": done, "total": total})
	})
	send("done", res)
}
