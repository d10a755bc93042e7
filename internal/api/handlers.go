package api

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/pdfrender/internal/common/httputil"
	"github.com/edgecomet/pdfrender/internal/jobqueue"
	"github.com/edgecomet/pdfrender/internal/storage"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Response messages
const (
	MsgQueued         = "Job queued for conversion."
	MsgRateLimited    = "Too many requests, please try again later."
	MsgEnqueueFailed  = "Failed to queue the job due to an internal error."
	MsgJobNotFound    = "Job not found."
	MsgLookupFailed   = "Failed to read job status."
	MsgInvalidFile    = "Invalid file name."
	MsgFileNotFound   = "File not found or already deleted."
	MsgUnauthorized   = "Unauthorized"
	MsgAdminFailed    = "Failed to read queue state."
	recentJobsPerList = 20
)

type convertResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

func (s *Server) handleConvert(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if s.opts.RateLimiter != nil {
		ip := clientIP(ctx, s.opts.TrustedHeaders)
		if !s.opts.RateLimiter.Allow(ip) {
			s.metrics.RecordRateLimited()
			logger.Warn("Conversion rate limited", zap.String("client_ip", ip))
			httputil.JSONError(ctx, MsgRateLimited, fasthttp.StatusTooManyRequests)
			return
		}
	}

	req, err := parseConvertRequest(ctx)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			logger.Debug("Invalid conversion request", zap.Error(err))
			httputil.JSONError(ctx, validationErr.Error(), fasthttp.StatusBadRequest)
			return
		}
		logger.Warn("Failed to parse conversion request", zap.Error(err))
		httputil.JSONError(ctx, "Invalid request body", fasthttp.StatusBadRequest)
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	jobID, err := s.queue.Enqueue(reqCtx, req.URL, req.Options)
	if err != nil {
		s.metrics.RecordEnqueueError()
		logger.Error("Failed to enqueue job",
			zap.String("url", req.URL),
			zap.Error(err))
		httputil.JSONError(ctx, MsgEnqueueFailed, fasthttp.StatusInternalServerError)
		return
	}

	s.metrics.RecordEnqueued()
	logger.Info("Job queued",
		zap.String("job_id", jobID),
		zap.String("url", req.URL),
		zap.String("width", req.Options.Width))
	httputil.JSON(ctx, fasthttp.StatusAccepted, convertResponse{JobID: jobID, Message: MsgQueued})
}

func (s *Server) handleJobStatus(ctx *fasthttp.RequestCtx, jobID string, logger *zap.Logger) {
	reqCtx, cancel := s.requestContext()
	defer cancel()

	snap, err := s.distributor.Snapshot(reqCtx, jobID)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		httputil.JSONError(ctx, MsgJobNotFound, fasthttp.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Failed to read job", zap.String("job_id", jobID), zap.Error(err))
		httputil.JSONError(ctx, MsgLookupFailed, fasthttp.StatusInternalServerError)
		return
	}
	httputil.JSON(ctx, fasthttp.StatusOK, snap)
}

func (s *Server) handleDownload(ctx *fasthttp.RequestCtx, fileName string, logger *zap.Logger) {
	if !storage.ValidFileName(fileName) {
		logger.Debug("Rejected download file name", zap.String("file_name", fileName))
		httputil.JSONError(ctx, MsgInvalidFile, fasthttp.StatusBadRequest)
		return
	}

	path, err := s.artifacts.Path(fileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidFileName) {
			httputil.JSONError(ctx, MsgFileNotFound, fasthttp.StatusNotFound)
			return
		}
		logger.Error("Failed to resolve artifact", zap.String("file_name", fileName), zap.Error(err))
		httputil.JSONError(ctx, MsgFileNotFound, fasthttp.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		// removed by the cleanup sweep after Path resolved it
		logger.Debug("Artifact vanished before download", zap.String("file_name", fileName), zap.Error(err))
		httputil.JSONError(ctx, MsgFileNotFound, fasthttp.StatusNotFound)
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		logger.Error("Failed to stat artifact", zap.String("file_name", fileName), zap.Error(err))
		httputil.JSONError(ctx, MsgFileNotFound, fasthttp.StatusNotFound)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/pdf")
	ctx.Response.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName))
	if ctx.IsHead() {
		f.Close()
		ctx.Response.Header.SetContentLength(int(info.Size()))
		return
	}
	// fasthttp closes the file after the body is written
	ctx.SetBodyStream(f, int(info.Size()))
}

type adminJob struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	State        types.JobState `json:"state"`
	AttemptsMade int            `json:"attemptsMade"`
	FileName     string         `json:"fileName,omitempty"`
	FailedReason string         `json:"failedReason,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
	FinishedAt   time.Time      `json:"finishedAt,omitzero"`
}

type adminResponse struct {
	Counts    jobqueue.Counts `json:"counts"`
	Completed []adminJob      `json:"completed"`
	Failed    []adminJob      `json:"failed"`
}

func (s *Server) handleAdmin(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if !s.opts.Admin.Enabled() {
		httputil.JSONError(ctx, "Not found", fasthttp.StatusNotFound)
		return
	}
	if !s.authorizeAdmin(ctx) {
		logger.Warn("Admin authentication failed",
			zap.String("remote_addr", ctx.RemoteAddr().String()))
		ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="pdfrender admin"`)
		httputil.JSONError(ctx, MsgUnauthorized, fasthttp.StatusUnauthorized)
		return
	}

	reqCtx, cancel := s.requestContext()
	defer cancel()

	counts, err := s.queue.Counts(reqCtx)
	if err != nil {
		logger.Error("Failed to read queue counts", zap.Error(err))
		httputil.JSONError(ctx, MsgAdminFailed, fasthttp.StatusInternalServerError)
		return
	}

	resp := adminResponse{Counts: counts, Completed: []adminJob{}, Failed: []adminJob{}}
	for _, list := range []struct {
		state types.JobState
		dst   *[]adminJob
	}{
		{types.JobStateCompleted, &resp.Completed},
		{types.JobStateFailed, &resp.Failed},
	} {
		jobs, err := s.queue.Recent(reqCtx, list.state, recentJobsPerList)
		if err != nil {
			logger.Error("Failed to read recent jobs", zap.String("state", string(list.state)), zap.Error(err))
			httputil.JSONError(ctx, MsgAdminFailed, fasthttp.StatusInternalServerError)
			return
		}
		for _, job := range jobs {
			*list.dst = append(*list.dst, toAdminJob(job))
		}
	}

	httputil.JSON(ctx, fasthttp.StatusOK, resp)
}

func toAdminJob(job *types.Job) adminJob {
	aj := adminJob{
		ID:           job.ID,
		URL:          job.TargetURL,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		FailedReason: job.FailedReason,
		EnqueuedAt:   job.EnqueuedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.Result != nil {
		aj.FileName = job.Result.FileName
	}
	return aj
}

// authorizeAdmin checks HTTP basic credentials in constant time
func (s *Server) authorizeAdmin(ctx *fasthttp.RequestCtx) bool {
	header := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.Admin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Admin.Password)) == 1
	return userOK && passOK
}
