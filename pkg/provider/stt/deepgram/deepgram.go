// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 44100
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the default BCP-47 language code used when the stream
// config does not name one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithEndpoint overrides the streaming endpoint (e.g. a self-hosted Deepgram
// instance or a test server). The URL scheme must be ws or wss.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty: %w", stt.ErrAuth)
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
//
// ctx bounds the WebSocket handshake only. The stream lives until the server
// ends it after [stt.Stream.CloseSend] or until [stt.Stream.Close] is called,
// so that results for the last utterance can still arrive after the caller
// stopped sending audio.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", errors.Join(stt.ErrConfig, err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("deepgram: dial: %w", ctx.Err())
		}
		return nil, fmt.Errorf("deepgram: dial: %w", classifyDialError(resp, err))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:    conn,
		ctx:     streamCtx,
		cancel:  cancel,
		results: make(chan stt.Result, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// classifyDialError maps a failed handshake to the stt error taxonomy.
func classifyDialError(resp *http.Response, err error) error {
	if resp == nil {
		return errors.Join(stt.ErrServiceUnavailable, err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
		return fmt.Errorf("%w: HTTP %d", stt.ErrAuth, resp.StatusCode)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d", stt.ErrConfig, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d: %v", stt.ErrServiceUnavailable, resp.StatusCode, err)
	}
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = stt.EncodingLinear16
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", string(enc))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Livescribe:2")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram streaming session. It implements stt.Stream.
type stream struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	results chan stt.Result
	done    chan struct{}

	// sendMu serialises audio writes with the CloseStream message so that no
	// audio can follow the half-close.
	sendMu     sync.Mutex
	sendClosed bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// SendAudio writes a PCM chunk as a binary WebSocket message.
func (s *stream) SendAudio(ctx context.Context, chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return fmt.Errorf("deepgram: send audio: %w", stt.ErrStreamClosed)
	}
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: send audio: %w", stt.ErrStreamClosed)
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("deepgram: send audio: %w", ctx.Err())
		}
		return fmt.Errorf("deepgram: send audio: %w", errors.Join(stt.ErrServiceUnavailable, err))
	}
	return nil
}

// CloseSend asks Deepgram to flush pending audio and finish the stream. The
// server answers with the remaining results, a Metadata message and a normal
// close, after which Results is closed.
func (s *stream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close send: %w", err)
	}
	return nil
}

// Results returns the channel of recognition results.
func (s *stream) Results() <-chan stt.Result { return s.results }

// Err returns the terminal error once Results is closed.
func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the stream immediately and waits for the read loop.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	<-s.done
	return nil
}

// readLoop receives JSON messages from Deepgram and forwards Results events.
func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.setErr(err)
			return
		}

		r, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-s.ctx.Done():
			return
		}
	}
}

// setErr classifies the error that ended the read loop. A normal closure after
// CloseSend, or any error after Close, ends the stream cleanly.
func (s *stream) setErr(err error) {
	s.sendMu.Lock()
	halfClosed := s.sendClosed
	s.sendMu.Unlock()

	var classified error
	switch status := websocket.CloseStatus(err); {
	case s.ctx.Err() != nil:
	case status == websocket.StatusNormalClosure && halfClosed:
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		classified = fmt.Errorf("deepgram: stream ended unexpectedly: %w", stt.ErrServiceUnavailable)
	case status == websocket.StatusPolicyViolation, status == websocket.StatusInvalidFramePayloadData,
		status == websocket.StatusUnsupportedData:
		classified = fmt.Errorf("deepgram: stream rejected: %w", errors.Join(stt.ErrConfig, err))
	default:
		classified = fmt.Errorf("deepgram: read: %w", errors.Join(stt.ErrServiceUnavailable, err))
	}

	s.errMu.Lock()
	s.err = classified
	s.errMu.Unlock()
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (Result, true) for Results events, or (zero, false) if the message
// should be ignored (Metadata, SpeechStarted, UtteranceEnd, malformed JSON).
func parseDeepgramResponse(data []byte) (stt.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" {
		return stt.Result{}, false
	}

	alts := make([]stt.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		words := make([]stt.WordDetail, 0, len(a.Words))
		for _, w := range a.Words {
			words = append(words, stt.WordDetail{
				Word:       w.Word,
				Start:      seconds(w.Start),
				End:        seconds(w.End),
				Confidence: w.Confidence,
			})
		}
		alts = append(alts, stt.Alternative{
			Transcript: a.Transcript,
			Confidence: a.Confidence,
			Words:      words,
		})
	}

	r := stt.Result{
		IsFinal:      resp.IsFinal,
		Alternatives: alts,
		Start:        seconds(resp.Start),
		Duration:     seconds(resp.Duration),
	}
	if r.IsFinal {
		r.Stability = 1
	}
	return r, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
