// Package handler adapts the sales service to AWS Lambda: API Gateway proxy
// requests for the JSON API and Function URL response streaming for
// incremental replies.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"sales-agent/internal/domain"
	"sales-agent/internal/usecase"
)

// Version is reported by the health route.
const Version = "1.0.0"

const (
	correlationHeader = "X-Correlation-Id"
	sessionHeader     = "X-Session-Id"
	maxBodyBytes      = 64 << 10
)

type SalesUseCase interface {
	Generate(ctx context.Context, in usecase.GenerateInput) (usecase.GenerateOutput, error)
	CreateSession(ctx context.Context, in usecase.CreateSessionInput) (usecase.SessionInfo, error)
	GetSession(ctx context.Context, id string) (usecase.SessionInfo, error)
	DeleteSession(ctx context.Context, id string) error
}

type Option func(*options)

type options struct {
	logger *slog.Logger
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handler serves the JSON API behind API Gateway.
type Handler struct {
	uc     SalesUseCase
	logger *slog.Logger
}

func NewHandler(uc SalesUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	o := buildOptions(opts)
	return &Handler{uc: uc, logger: o.logger}, nil
}

type messageRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type qualificationBody struct {
	Role       string `json:"role"`
	Company    string `json:"company"`
	PainPoints string `json:"pain_points"`
}

type messageResponse struct {
	Success               bool              `json:"success"`
	Response              string            `json:"response"`
	SessionID             string            `json:"session_id"`
	Stage                 string            `json:"stage"`
	Qualification         qualificationBody `json:"qualification"`
	QualificationComplete bool              `json:"qualification_complete"`
	MessageCount          int               `json:"message_count"`
	Analysis              domain.Analysis   `json:"analysis"`
	Advanced              bool              `json:"advanced"`
	SessionLocked         bool              `json:"session_locked"`
}

type createSessionRequest struct {
	CustomPrompt string `json:"custom_prompt"`
	DisplayName  string `json:"display_name"`
}

type createSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type messageBody struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type sessionResponse struct {
	SessionID             string            `json:"session_id"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
	MessageCount          int               `json:"message_count"`
	Stage                 string            `json:"stage"`
	TurnsInStage          int               `json:"turns_in_stage"`
	Qualification         qualificationBody `json:"qualification"`
	QualificationComplete bool              `json:"qualification_complete"`
	ValuePresented        bool              `json:"value_presented"`
	SessionLocked         bool              `json:"session_locked"`
	Messages              []messageBody     `json:"messages"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	// Response carries the fallback reply when generation failed.
	Response  string `json:"response,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID)
	method := strings.ToUpper(req.HTTPMethod)
	path := strings.TrimRight(req.Path, "/")

	var resp events.APIGatewayProxyResponse
	switch {
	case path == "/health":
		if method != http.MethodGet {
			resp = methodNotAllowed()
			break
		}
		resp = jsonResponse(http.StatusOK, healthResponse{Status: "healthy", Version: Version})
	case path == "/message":
		if method != http.MethodPost {
			resp = methodNotAllowed()
			break
		}
		resp = h.message(ctx, logger, req)
	case path == "/session/new":
		if method != http.MethodPost {
			resp = methodNotAllowed()
			break
		}
		resp = h.createSession(ctx, logger, req)
	case strings.HasPrefix(path, "/session/"):
		id := req.PathParameters["id"]
		if id == "" {
			id = strings.TrimPrefix(path, "/session/")
		}
		switch method {
		case http.MethodGet:
			resp = h.getSession(ctx, logger, id)
		case http.MethodDelete:
			resp = h.deleteSession(ctx, logger, id)
		default:
			resp = methodNotAllowed()
		}
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"})
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID
	logger.Info("handler: request served", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) message(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body messageRequest
	if err := decodeBody(req.Body, req.IsBase64Encoded, false, &body); err != nil {
		logger.Warn("handler: invalid message body", "err", err)
		return invalidBody()
	}

	out, err := h.uc.Generate(ctx, usecase.GenerateInput{Text: body.Text, SessionID: body.SessionID})
	if err != nil {
		resp := errorFor(logger, err)
		if out.Answer != "" {
			e := errorBody(err)
			e.Response, e.SessionID = out.Answer, out.SessionID
			resp = jsonResponse(resp.StatusCode, e)
		}
		return resp
	}
	resp := jsonResponse(http.StatusOK, toMessageResponse(out))
	resp.Headers[sessionHeader] = out.SessionID
	return resp
}

func (h *Handler) createSession(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body createSessionRequest
	if err := decodeBody(req.Body, req.IsBase64Encoded, true, &body); err != nil {
		logger.Warn("handler: invalid session body", "err", err)
		return invalidBody()
	}
	info, err := h.uc.CreateSession(ctx, usecase.CreateSessionInput{PersonaPrompt: body.CustomPrompt, DisplayName: body.DisplayName})
	if err != nil {
		return errorFor(logger, err)
	}
	return jsonResponse(http.StatusCreated, createSessionResponse{Success: true, SessionID: info.ID, Message: "New session created"})
}

func (h *Handler) getSession(ctx context.Context, logger *slog.Logger, id string) events.APIGatewayProxyResponse {
	info, err := h.uc.GetSession(ctx, id)
	if err != nil {
		return errorFor(logger, err)
	}
	return jsonResponse(http.StatusOK, toSessionResponse(info))
}

func (h *Handler) deleteSession(ctx context.Context, logger *slog.Logger, id string) events.APIGatewayProxyResponse {
	if err := h.uc.DeleteSession(ctx, id); err != nil {
		return errorFor(logger, err)
	}
	return jsonResponse(http.StatusOK, deleteResponse{Success: true, Message: fmt.Sprintf("Session %s deleted", id)})
}

func toMessageResponse(out usecase.GenerateOutput) messageResponse {
	return messageResponse{
		Success:               true,
		Response:              out.Answer,
		SessionID:             out.SessionID,
		Stage:                 out.Stage.String(),
		Qualification:         toQualification(out.Qualification),
		QualificationComplete: out.Qualification.Complete(),
		MessageCount:          out.MessageCount,
		Analysis:              out.Analysis,
		Advanced:              out.Advanced,
		SessionLocked:         out.SessionLocked,
	}
}

func toSessionResponse(info usecase.SessionInfo) sessionResponse {
	msgs := make([]messageBody, 0, len(info.Messages))
	for _, m := range info.Messages {
		msgs = append(msgs, messageBody{Role: string(m.Role), Text: m.Text, CreatedAt: formatTime(m.CreatedAt)})
	}
	return sessionResponse{
		SessionID:             info.ID,
		CreatedAt:             formatTime(info.CreatedAt),
		UpdatedAt:             formatTime(info.UpdatedAt),
		MessageCount:          info.MessageCount,
		Stage:                 info.Stage.String(),
		TurnsInStage:          info.TurnsInStage,
		Qualification:         toQualification(info.Qualification),
		QualificationComplete: info.Qualification.Complete(),
		ValuePresented:        info.ValuePresented,
		SessionLocked:         info.SessionLocked,
		Messages:              msgs,
	}
}

func toQualification(q usecase.Qualification) qualificationBody {
	return qualificationBody{Role: q.Role, Company: q.Company, PainPoints: q.PainPoints}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// decodeBody strictly decodes a JSON object. An empty body is accepted only
// when allowEmpty is set.
func decodeBody(raw string, base64Encoded, allowEmpty bool, v any) error {
	data := []byte(raw)
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decode base64 body: %w", err)
		}
		data = decoded
	}
	if len(data) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

func statusFor(err error) int {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return errorResponse{Error: string(usecase.ErrorInternal)}
	}
	return errorResponse{Error: string(ue.Code), Reason: ue.Reason}
}

func errorFor(logger *slog.Logger, err error) events.APIGatewayProxyResponse {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("handler: request failed", "err", err, "status", status)
	} else {
		logger.Warn("handler: request rejected", "err", err, "status", status)
	}
	return jsonResponse(status, errorBody(err))
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// correlationID returns the caller's correlation id, matching the header
// name case-insensitively, or a new one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
