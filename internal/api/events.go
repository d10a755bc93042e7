package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/status"
)

// Stream close reasons recorded in metrics
const (
	streamFinished     = "finished"
	streamNotFound     = "not_found"
	streamTimeout      = "timeout"
	streamDisconnected = "disconnected"
	streamShutdown     = "shutdown"
	streamError        = "error"
)

// eventWriter serializes SSE frames from the status stream and the heartbeat.
// The first failed write or flush marks the client gone and cancels ctx.
type eventWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	cancel context.CancelFunc
	err    error
}

func (ew *eventWriter) writeFrame(frame []byte) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.err != nil {
		return ew.err
	}
	if _, err := ew.w.Write(frame); err != nil {
		ew.fail(err)
		return err
	}
	if err := ew.w.Flush(); err != nil {
		ew.fail(err)
		return err
	}
	return nil
}

func (ew *eventWriter) fail(err error) {
	ew.err = err
	ew.cancel()
}

func (ew *eventWriter) failed() bool {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.err != nil
}

func (ew *eventWriter) emit(ev status.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return ew.writeFrame(frame)
}

var heartbeatFrame = []byte(": ping\n\n")

func (s *Server) handleJobEvents(ctx *fasthttp.RequestCtx, jobID string, logger *zap.Logger) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, "no-cache")
	ctx.Response.Header.Set(fasthttp.HeaderConnection, "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	logger = logger.With(zap.String("job_id", jobID))

	// The writer runs after the handler returns; ctx must not be touched in it.
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		s.streamJob(w, jobID, logger)
	})
}

func (s *Server) streamJob(w *bufio.Writer, jobID string, logger *zap.Logger) {
	streamCtx, cancel := context.WithCancel(s.closed)
	defer cancel()

	ew := &eventWriter{w: w, cancel: cancel}

	s.metrics.StreamOpened()
	logger.Debug("Status stream opened")

	// the headers go out with the first flush
	if err := ew.writeFrame(heartbeatFrame); err != nil {
		s.metrics.StreamClosed(streamDisconnected)
		return
	}

	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if ew.writeFrame(heartbeatFrame) != nil {
					return
				}
			}
		}
	}()

	err := s.distributor.Stream(streamCtx, jobID, ew.emit)
	cancel()
	heartbeat.Wait()

	reason := closeReason(err, s.closed.Err() != nil)
	if ew.failed() {
		reason = streamDisconnected
	}
	s.metrics.StreamClosed(reason)

	switch reason {
	case streamError:
		logger.Warn("Status stream ended with error", zap.Error(err))
	default:
		logger.Debug("Status stream closed", zap.String("reason", reason))
	}
}

func closeReason(err error, shuttingDown bool) string {
	switch {
	case err == nil:
		return streamFinished
	case errors.Is(err, jobqueue.ErrJobNotFound):
		return streamNotFound
	case errors.Is(err, status.ErrStreamTimeout):
		return streamTimeout
	case errors.Is(err, context.Canceled) && shuttingDown:
		return streamShutdown
	case errors.Is(err, context.Canceled):
		return streamDisconnected
	default:
		return streamError
	}
}
