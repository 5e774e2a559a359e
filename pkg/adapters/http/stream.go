package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

const (
	// TopicModels receives model change events.
	TopicModels = "models"
	// TopicTokens receives the diffs of every token.
	TopicTokens = "tokens"
)

// ModelEvent is the SSE payload of a model notification.
type ModelEvent struct {
	Event   string `json:"event"`
	Process string `json:"process,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// StreamManager handles active SSE connections. Token diffs are published under the
// token id and under TopicTokens.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan<- string]struct{}
	logger      *slog.Logger
}

func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamManager{
		subscribers: make(map[string]map[chan<- string]struct{}),
		logger:      logger,
	}
}

func (sm *StreamManager) Subscribe(topic string) (chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 16)
	if _, ok := sm.subscribers[topic]; !ok {
		sm.subscribers[topic] = make(map[chan<- string]struct{})
	}
	sm.subscribers[topic][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[topic]; ok {
			if _, ok := subs[ch]; !ok {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, topic)
			}
		}
	}
}

// Subscribers counts the open subscriptions of topic.
func (sm *StreamManager) Subscribers(topic string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[topic])
}

func (sm *StreamManager) Broadcast(topic string, msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[topic] {
		select {
		case ch <- msg:
		default:
			// Slow client.
			sm.logger.Warn("SSE: client buffer full, dropping message", "topic", topic)
		}
	}
}

// PublishDiff has the shape of a scheduler diff listener.
func (sm *StreamManager) PublishDiff(_ context.Context, diff *domain.TokenDiff) {
	if diff == nil {
		return
	}
	payload, err := json.Marshal(diff)
	if err != nil {
		sm.logger.Error("SSE: diff encode failed", "token_id", diff.TokenID, "error", err)
		return
	}
	sm.Broadcast(diff.TokenID, string(payload))
	sm.Broadcast(TopicTokens, string(payload))
}

// ModelUpdated forwards a model notification to TopicModels subscribers.
func (sm *StreamManager) ModelUpdated(_ context.Context, q qualifier.Qualifier, mode domain.UpdateMode) error {
	return sm.publishModel(ModelEvent{Event: "updated", Process: q.String(), Mode: string(mode)})
}

// ModelReset forwards a reset notification to TopicModels subscribers.
func (sm *StreamManager) ModelReset(_ context.Context) error {
	return sm.publishModel(ModelEvent{Event: "reset"})
}

func (sm *StreamManager) publishModel(ev ModelEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sm.Broadcast(TopicModels, string(payload))
	return nil
}

// SubscribeEvents handles the GET /events request (SSE).
//
// ?token=<id> streams the diffs of one token, ?topic=tokens the diffs of every token
// and ?topic=models model notifications. ?watch=status,positions keeps only diffs
// touching the listed fields.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	topic := query.Get("token")
	if topic == "" {
		topic = query.Get("topic")
	}
	if topic == "" {
		topic = TopicTokens
	}
	var watch []string
	if raw := query.Get("watch"); raw != "" && topic != TopicModels {
		for _, f := range strings.Split(raw, ",") {
			watch = append(watch, strings.TrimSpace(f))
		}
	}

	ch, cancel := s.Streams.Subscribe(topic)
	defer cancel()
	s.logger.Info("SSE: subscribed", "topic", topic)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected", "topic", topic)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(watch) > 0 && !touches(msg, watch) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func touches(msg string, fields []string) bool {
	var diff domain.TokenDiff
	if err := json.Unmarshal([]byte(msg), &diff); err != nil {
		return true
	}
	for _, f := range fields {
		switch f {
		case "status":
			if diff.Status != nil {
				return true
			}
		case "positions":
			if diff.Positions != nil {
				return true
			}
		case "params":
			if len(diff.Params) > 0 {
				return true
			}
		case "history":
			if len(diff.History) > 0 {
				return true
			}
		}
	}
	return false
}
