package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"sales-agent/internal/usecase"
)

type StreamUseCase interface {
	GenerateStream(ctx context.Context, in usecase.GenerateInput) (*usecase.Stream, error)
}

// StreamHandler serves POST /message over a Lambda Function URL in
// response-streaming mode. Human text is sent as server-sent events while it
// is generated; a final "done" or "error" event carries the turn outcome.
type StreamHandler struct {
	uc     StreamUseCase
	logger *slog.Logger
}

func NewStreamHandler(uc StreamUseCase, opts ...Option) (*StreamHandler, error) {
	if uc == nil {
		return nil, errors.New("handler: stream use case must not be nil")
	}
	o := buildOptions(opts)
	return &StreamHandler{uc: uc, logger: o.logger}, nil
}

type chunkEvent struct {
	Text string `json:"text"`
}

func (h *StreamHandler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID)
	method := strings.ToUpper(req.RequestContext.HTTP.Method)
	path := strings.TrimRight(req.RawPath, "/")

	if path != "" && path != "/message" {
		return streamJSON(corrID, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}
	if method != http.MethodPost {
		return streamJSON(corrID, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	var body messageRequest
	if err := decodeBody(req.Body, req.IsBase64Encoded, false, &body); err != nil {
		logger.Warn("handler: invalid message body", "err", err)
		return streamJSON(corrID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
	}

	st, err := h.uc.GenerateStream(ctx, usecase.GenerateInput{Text: body.Text, SessionID: body.SessionID})
	if err != nil {
		status := statusFor(err)
		logger.Warn("handler: stream not started", "err", err, "status", status)
		return streamJSON(corrID, status, errorBody(err)), nil
	}

	pr, pw := io.Pipe()
	go h.pump(logger.With("session_id", st.SessionID()), st, pw)

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "text/event-stream",
			"Cache-Control":   "no-cache",
			correlationHeader: corrID,
			sessionHeader:     st.SessionID(),
		},
		Body: pr,
	}, nil
}

// pump copies the stream into the response body. A write failure means the
// client went away; the stream is detached and the turn still completes.
func (h *StreamHandler) pump(logger *slog.Logger, st *usecase.Stream, pw *io.PipeWriter) {
	defer pw.Close()

	var writeErr error
	for chunk := range st.Chunks() {
		if writeErr = writeEvent(pw, "", chunkEvent{Text: chunk}); writeErr != nil {
			logger.Info("handler: client detached", "err", writeErr)
			st.Detach()
			break
		}
	}

	out, err := st.Wait()
	if writeErr != nil {
		return
	}
	if err != nil {
		logger.Warn("handler: streamed turn failed", "err", err)
		e := errorBody(err)
		e.Response, e.SessionID = out.Answer, out.SessionID
		_ = writeEvent(pw, "error", e)
		return
	}
	_ = writeEvent(pw, "done", toMessageResponse(out))
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func streamJSON(corrID string, status int, v any) *events.LambdaFunctionURLStreamingResponse {
	resp := jsonResponse(status, v)
	resp.Headers[correlationHeader] = corrID
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       strings.NewReader(resp.Body),
	}
}
