package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"sales-agent/internal/advance"
	"sales-agent/internal/domain"
	"sales-agent/internal/guardrail"
	"sales-agent/internal/prompt"
	"sales-agent/internal/repository"
	"sales-agent/internal/session"
	"sales-agent/internal/stream"
)

const (
	defaultMaxContext    = 20
	defaultMaxMessageLen = 1000
	maxSessionIDLen      = 128

	// FallbackText is returned to the user when generation fails or yields no
	// human text.
	FallbackText = "I apologize, but I'm having trouble processing that. Could you rephrase?"
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	ChatStream(ctx context.Context, model string, messages []domain.ChatMessage) (<-chan domain.Token, error)
}

// StateStore persists sessions across processes.
type StateStore interface {
	LoadSession(ctx context.Context, sessionID string, limit int) (domain.Session, bool, error)
	SaveTurn(ctx context.Context, rec repository.TurnRecord) (int64, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// SalesService runs conversation turns. The in-memory session store is the
// source of truth within a turn; when a StateStore is configured the session
// is reloaded before and saved after every turn.
type SalesService struct {
	params        ParamGetter
	llm           LLMClient
	store         *session.Store
	state         StateStore
	paramPrefix   string
	maxContext    int
	maxMessageLen int
	logger        *slog.Logger

	guard     *guardrail.Engine
	composer  *prompt.Composer
	evaluator *advance.Evaluator

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
	persona     string
	displayName string
}

type Option func(*SalesService)

// WithStateStore enables persistence.
func WithStateStore(s StateStore) Option {
	return func(svc *SalesService) {
		svc.state = s
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *SalesService) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithLimits sets the history window sent to the generator and the maximum
// accepted user message length in characters. Non-positive values keep the
// defaults.
func WithLimits(maxContext, maxMessageLen int) Option {
	return func(svc *SalesService) {
		if maxContext > 0 {
			svc.maxContext = maxContext
		}
		if maxMessageLen > 0 {
			svc.maxMessageLen = maxMessageLen
		}
	}
}

// WithComposer replaces the default prompt composer.
func WithComposer(c *prompt.Composer) Option {
	return func(svc *SalesService) {
		if c != nil {
			svc.composer = c
		}
	}
}

type GenerateInput struct {
	Text      string
	SessionID string
}

type GenerateOutput struct {
	Answer    string
	SessionID string
	Stage     domain.Stage
	// Analysis is the analysis applied this turn; the default when none was parsed.
	Analysis      domain.Analysis
	Advanced      bool
	SessionLocked bool
	MessageCount  int
	Qualification Qualification
}

// Qualification is what is known about the prospect so far.
type Qualification struct {
	Role       string
	Company    string
	PainPoints string
}

// Complete reports whether every qualification fact has been captured.
func (q Qualification) Complete() bool {
	return q.Role != "" && q.Company != "" && q.PainPoints != ""
}

func qualificationOf(md domain.Metadata) Qualification {
	return Qualification{
		Role:       md.String(domain.MetaRole),
		Company:    md.String(domain.MetaCompany),
		PainPoints: md.String(domain.MetaPainPoints),
	}
}

type CreateSessionInput struct {
	PersonaPrompt string
	DisplayName   string
}

// SessionInfo is the read view of a session.
type SessionInfo struct {
	ID             string
	Stage          domain.Stage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MessageCount   int
	TurnsInStage   int
	Qualification  Qualification
	ValuePresented bool
	SessionLocked  bool
	DisplayName    string
	Messages       []domain.Message
}

func NewSalesService(p ParamGetter, llm LLMClient, store *session.Store, paramPrefix string, opts ...Option) (*SalesService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	svc := &SalesService{
		params:        p,
		llm:           llm,
		store:         store,
		paramPrefix:   paramPrefix,
		maxContext:    defaultMaxContext,
		maxMessageLen: defaultMaxMessageLen,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.guard = guardrail.New(svc.logger)
	svc.evaluator = advance.New(svc.logger)
	if svc.composer == nil {
		svc.composer = prompt.New()
	}
	return svc, nil
}

// turn carries the state of one in-flight conversation turn between its
// preparation and completion.
type turn struct {
	id       string
	release  func()
	user     domain.Message
	guard    guardrail.Decision
	messages []domain.ChatMessage
	model    string
	logger   *slog.Logger
}

// Generate runs one full turn and returns the human-facing reply.
func (s *SalesService) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	t, err := s.beginTurn(ctx, in)
	if err != nil {
		return GenerateOutput{}, err
	}
	defer t.release()

	raw, err := s.llm.Chat(ctx, t.model, t.messages)
	if err != nil {
		return s.failTurn(ctx, t, err)
	}
	res := stream.Split(raw, stream.WithLogger(t.logger))
	return s.finishTurn(ctx, t, res)
}

// beginTurn validates input, takes the session's turn lock, hydrates state,
// records the user message and composes the generator request. On success
// the caller owns t.release.
func (s *SalesService) beginTurn(ctx context.Context, in GenerateInput) (*turn, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	id := strings.TrimSpace(in.SessionID)
	if id != "" && !validSessionID(id) {
		return nil, newError(ErrorInvalidInput, "invalid_session_id", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}
	if id == "" {
		id = newUUID()
	}

	release, err := s.store.LockTurn(ctx, id)
	if err != nil {
		return nil, newError(ErrorConflict, "turn_in_progress", err)
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	if err := s.hydrate(ctx, id); err != nil {
		return nil, err
	}

	logger := s.logger.With("session_id", id)
	user := s.store.AppendMessage(id, domain.RoleUser, text)
	sess := s.store.Get(id)
	history := s.store.History(id, s.maxContext)

	decision := s.guard.Evaluate(guardrail.Input{
		Stage:             sess.Stage,
		TurnsInStage:      sess.TurnsInStage,
		UserText:          text,
		GreetingLoopCount: sess.Metadata.Int(domain.MetaGreetingLoopCount),
		History:           history,
	})

	pctx := s.promptContext(sess, decision)
	ok = true
	logger.Info("usecase: turn started", "stage", sess.Stage, "turns", sess.TurnsInStage,
		"nudge", decision.Nudge, "loop_break", decision.LoopBreak, "recovery", decision.PerceptualRecovery)
	return &turn{
		id:       id,
		release:  release,
		user:     user,
		guard:    decision,
		messages: s.composer.Messages(pctx, history),
		model:    s.cachedModel(),
		logger:   logger,
	}, nil
}

func (s *SalesService) promptContext(sess domain.Session, d guardrail.Decision) prompt.Context {
	pctx := prompt.ContextFromSession(sess)
	s.cacheMu.RLock()
	if pctx.DisplayName == "" {
		pctx.DisplayName = s.displayName
	}
	if pctx.PersonaOverride == "" {
		pctx.PersonaOverride = s.persona
	}
	s.cacheMu.RUnlock()
	pctx.Nudge = d.Nudge
	pctx.LoopBreak = d.LoopBreak
	pctx.PerceptualRecovery = d.PerceptualRecovery
	return pctx
}

// hydrate replaces the in-memory session with the persisted one. Without a
// StateStore the in-memory session is authoritative.
func (s *SalesService) hydrate(ctx context.Context, id string) error {
	if s.state == nil {
		return nil
	}
	sess, found, err := s.state.LoadSession(ctx, id, s.maxContext)
	if err != nil {
		if errors.Is(err, repository.ErrCorruptState) {
			s.logger.Error("usecase: corrupt session state", "session_id", id, "err", err)
			return newError(ErrorInternal, "corrupt_session_state", err)
		}
		return newError(ErrorInternal, "dynamodb_read_error", err)
	}
	if !found {
		s.store.Clear(id)
		return nil
	}
	s.store.Restore(sess)
	return nil
}

// failTurn handles a failed generation call: only the user message is kept.
func (s *SalesService) failTurn(ctx context.Context, t *turn, cause error) (GenerateOutput, error) {
	code, reason := ErrorUpstream, "llm_error"
	if status, ok := upstreamStatusCode(cause); ok && status == 429 {
		code, reason = ErrorRateLimited, "llm_rate_limited"
	}
	t.logger.Error("usecase: generation failed", "err", cause, "code", code)

	if err := s.persist(ctx, t.id, []domain.Message{t.user}); err != nil {
		t.logger.Error("usecase: persist after generation failure", "err", err)
	}
	out := s.output(t.id, FallbackText, domain.DefaultAnalysis())
	return out, newError(code, reason, cause)
}

// finishTurn applies a demultiplexed generation to the session and persists
// the turn.
func (s *SalesService) finishTurn(ctx context.Context, t *turn, res stream.Result) (GenerateOutput, error) {
	if res.Truncated {
		return s.finishTruncated(ctx, t, res)
	}

	s.store.SetMetadata(t.id, domain.MetaGreetingLoopCount, t.guard.GreetingLoopCount)
	s.applyAnalysis(t, res.Analysis)

	text := res.Text
	if text == "" {
		t.logger.Warn("usecase: generation produced no human text, using fallback")
		text = FallbackText
	}
	reply := s.store.AppendMessage(t.id, domain.RoleAssistant, text)

	sess := s.store.Get(t.id)
	d := s.evaluator.Evaluate(advance.Input{Stage: sess.Stage, Metadata: sess.Metadata, Analysis: res.Analysis})
	if d.LockSession {
		s.store.SetMetadata(t.id, domain.MetaSessionLocked, true)
	}
	if d.Advance {
		s.store.AdvanceStage(t.id, d.To)
		t.logger.Info("usecase: stage transition", "from", d.From, "to", d.To, "intent", res.Analysis.Intent, "smart_jump", d.SmartJump)
	}

	if err := s.persist(ctx, t.id, []domain.Message{t.user, reply}); err != nil {
		return GenerateOutput{}, err
	}

	out := s.output(t.id, text, res.Analysis)
	out.Advanced = d.Advance
	return out, nil
}

// output reports the session as it stands after the turn. Lookup is used so
// a session dropped by a version conflict is not recreated.
func (s *SalesService) output(id, answer string, a domain.Analysis) GenerateOutput {
	sess, _ := s.store.Lookup(id)
	return GenerateOutput{
		Answer:        answer,
		SessionID:     id,
		Stage:         sess.Stage,
		Analysis:      a,
		SessionLocked: sess.Metadata.Bool(domain.MetaSessionLocked),
		MessageCount:  sess.MessageCount,
		Qualification: qualificationOf(sess.Metadata),
	}
}

// finishTruncated records whatever human text reached the user but leaves
// metadata and stage untouched.
func (s *SalesService) finishTruncated(ctx context.Context, t *turn, res stream.Result) (GenerateOutput, error) {
	t.logger.Warn("usecase: stream truncated, metadata unchanged", "err", res.Err, "chars", len(res.Text))
	newMsgs := []domain.Message{t.user}
	if res.Text != "" {
		newMsgs = append(newMsgs, s.store.AppendMessage(t.id, domain.RoleAssistant, res.Text))
	}
	if err := s.persist(ctx, t.id, newMsgs); err != nil {
		t.logger.Error("usecase: persist truncated turn", "err", err)
	}
	code, reason := ErrorUpstream, "stream_truncated"
	if status, ok := upstreamStatusCode(res.Err); ok && status == 429 {
		code = ErrorRateLimited
	}
	return s.output(t.id, res.Text, domain.DefaultAnalysis()), newError(code, reason, res.Err)
}

func (s *SalesService) applyAnalysis(t *turn, a domain.Analysis) {
	for key, val := range a.ExtractedInfo.Fields() {
		s.store.SetMetadata(t.id, key, val)
	}
	if v := a.ExtractedInfo.ValueAccepted; v != nil && *v {
		s.store.SetMetadata(t.id, domain.MetaValuePresented, true)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		t.logger.Warn("usecase: marshal analysis", "err", err)
		return
	}
	s.store.SetMetadata(t.id, domain.MetaLastAnalysis, string(raw))
	t.logger.Info("usecase: analysis applied", "intent", a.Intent, "action", a.RecommendedAction, "vague", a.IsVague)
}

// persist saves the session after a turn when a StateStore is configured.
func (s *SalesService) persist(ctx context.Context, id string, newMsgs []domain.Message) error {
	if s.state == nil {
		return nil
	}
	snap, ok := s.store.Lookup(id)
	if !ok {
		return newError(ErrorInternal, "session_missing", fmt.Errorf("session %q vanished before save", id))
	}
	version, err := s.state.SaveTurn(context.WithoutCancel(ctx), repository.TurnRecord{Session: snap, NewMessages: newMsgs})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			s.store.Clear(id)
			return newError(ErrorConflict, "session_version_conflict", err)
		}
		return newError(ErrorInternal, "dynamodb_write_error", err)
	}
	s.store.SetVersion(id, version)
	return nil
}

// CreateSession starts a session with an optional persona override and
// display name.
func (s *SalesService) CreateSession(ctx context.Context, in CreateSessionInput) (SessionInfo, error) {
	if utf8.RuneCountInString(in.PersonaPrompt) > 4*s.maxMessageLen {
		return SessionInfo{}, newError(ErrorInvalidInput, "persona_too_long", nil)
	}
	id := newUUID()
	release, err := s.store.LockTurn(ctx, id)
	if err != nil {
		return SessionInfo{}, newError(ErrorConflict, "turn_in_progress", err)
	}
	defer release()

	s.store.Get(id)
	if p := strings.TrimSpace(in.PersonaPrompt); p != "" {
		s.store.SetMetadata(id, domain.MetaPersonaOverride, p)
	}
	if n := strings.TrimSpace(in.DisplayName); n != "" {
		s.store.SetMetadata(id, domain.MetaDisplayName, n)
	}
	if err := s.persist(ctx, id, nil); err != nil {
		s.store.Clear(id)
		return SessionInfo{}, err
	}
	s.logger.Info("usecase: session created", "session_id", id)
	sess, _ := s.store.Lookup(id)
	return sessionInfo(sess), nil
}

// GetSession returns the session without creating it.
func (s *SalesService) GetSession(ctx context.Context, id string) (SessionInfo, error) {
	id = strings.TrimSpace(id)
	if !validSessionID(id) {
		return SessionInfo{}, newError(ErrorInvalidInput, "invalid_session_id", nil)
	}
	if s.state != nil {
		sess, found, err := s.state.LoadSession(ctx, id, s.maxContext)
		if err != nil {
			if errors.Is(err, repository.ErrCorruptState) {
				return SessionInfo{}, newError(ErrorInternal, "corrupt_session_state", err)
			}
			return SessionInfo{}, newError(ErrorInternal, "dynamodb_read_error", err)
		}
		if !found {
			return SessionInfo{}, newError(ErrorNotFound, "session_not_found", nil)
		}
		return sessionInfo(sess), nil
	}
	sess, ok := s.store.Lookup(id)
	if !ok {
		return SessionInfo{}, newError(ErrorNotFound, "session_not_found", nil)
	}
	return sessionInfo(sess), nil
}

// DeleteSession removes all state for the session.
func (s *SalesService) DeleteSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if !validSessionID(id) {
		return newError(ErrorInvalidInput, "invalid_session_id", nil)
	}
	release, err := s.store.LockTurn(ctx, id)
	if err != nil {
		return newError(ErrorConflict, "turn_in_progress", err)
	}
	defer release()

	existed := s.store.Clear(id)
	if s.state != nil {
		stored, err := s.state.DeleteSession(ctx, id)
		if err != nil {
			return newError(ErrorInternal, "dynamodb_delete_error", err)
		}
		existed = existed || stored
	}
	if !existed {
		return newError(ErrorNotFound, "session_not_found", nil)
	}
	s.logger.Info("usecase: session deleted", "session_id", id)
	return nil
}

func sessionInfo(sess domain.Session) SessionInfo {
	return SessionInfo{
		ID:             sess.ID,
		Stage:          sess.Stage,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
		MessageCount:   sess.MessageCount,
		TurnsInStage:   sess.TurnsInStage,
		Qualification:  qualificationOf(sess.Metadata),
		ValuePresented: sess.Metadata.Bool(domain.MetaValuePresented),
		SessionLocked:  sess.Metadata.Bool(domain.MetaSessionLocked),
		DisplayName:    sess.Metadata.String(domain.MetaDisplayName),
		Messages:       sess.Messages,
	}
}

func (s *SalesService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	modelKey := s.paramPrefix + "/config/model"
	personaKey := s.paramPrefix + "/persona"
	nameKey := s.paramPrefix + "/display_name"
	vals, err := s.params.GetParameters(ctx, modelKey, personaKey, nameKey)
	if err != nil {
		return fmt.Errorf("usecase: load parameters: %w", err)
	}
	model := strings.TrimSpace(vals[modelKey])
	if model == "" {
		return fmt.Errorf("usecase: load parameters: %s is missing or empty", modelKey)
	}

	s.model = model
	s.persona = strings.TrimSpace(vals[personaKey])
	s.displayName = strings.TrimSpace(vals[nameKey])
	s.cacheLoaded = true
	return nil
}

func (s *SalesService) cachedModel() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.model
}

func validSessionID(id string) bool {
	if id == "" || len(id) > maxSessionIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
