package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/meterline/turnstile/internal/services/turns/domain"
)

// HTTPSource streams generations from an HTTP endpoint that answers with
// newline-delimited JSON events.
type HTTPSource struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSource creates a source for the given endpoint. The client carries
// no overall timeout: streams are long-lived and are ended by Close or by
// the terminal event.
func NewHTTPSource(url, token string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		token:  token,
		client: &http.Client{},
	}
}

type wireRequest struct {
	TurnID          string `json:"turn_id"`
	ConversationID  string `json:"conversation_id"`
	Model           string `json:"model"`
	Content         string `json:"content"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
}

type wireEvent struct {
	Kind         string `json:"kind"`
	Content      string `json:"content,omitempty"`
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Open issues the generation request and returns the live event stream.
func (s *HTTPSource) Open(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(wireRequest{
		TurnID:          req.TurnID,
		ConversationID:  req.ConversationID,
		Model:           req.Model,
		Content:         req.Content,
		MaxOutputTokens: req.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open generation stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("generation endpoint returned %d", resp.StatusCode)
	}

	return &httpStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		cancel:  cancel,
	}, nil
}

type httpStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *httpStream) Recv(ctx context.Context) (SourceEvent, error) {
	if err := ctx.Err(); err != nil {
		return SourceEvent{}, err
	}
	var wire wireEvent
	if err := s.decoder.Decode(&wire); err != nil {
		return SourceEvent{}, fmt.Errorf("decode stream event: %w", err)
	}

	event := SourceEvent{
		Kind:    SourceEventKind(wire.Kind),
		Content: wire.Content,
	}
	if wire.InputTokens != nil || wire.OutputTokens != nil {
		usage := &domain.Usage{}
		if wire.InputTokens != nil {
			usage.InputTokens = *wire.InputTokens
		}
		if wire.OutputTokens != nil {
			usage.OutputTokens = *wire.OutputTokens
		}
		event.Usage = usage
	}
	if wire.Error != "" {
		event.Err = errors.New(wire.Error)
	}
	return event, nil
}

// Close severs the connection immediately. Subsequent Recv calls fail once
// buffered events are exhausted by the decoder.
func (s *httpStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}
