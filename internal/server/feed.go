package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"klawfield/internal/config"
	"klawfield/internal/domain"
	"klawfield/internal/engine"
)

const (
	feedPollInterval = 2 * time.Second
	feedHTTPTimeout  = 5 * time.Second
	feedBatchSize    = 100
)

// feedDispatcher tails the event log and pushes lifecycle changes to the
// configured webhook endpoints. Each hook keeps its own cursor; a failed
// delivery retries from the same event on the next tick.
type feedDispatcher struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &feedDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: feedHTTPTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *feedDispatcher) run() {
	ticker := time.NewTicker(feedPollInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *feedDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *feedDispatcher) dispatchWebhook(idx int, hook config.Webhook) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, cursor, feedBatchSize)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(string(evt.Type)) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *feedDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *feedDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type feedEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	StoryID     string          `json:"story_id"`
	TaskID      string          `json:"task_id,omitempty"`
	ActorUserID string          `json:"actor_user_id"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   string          `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *feedDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.TaskEvent) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := feedEvent{
		ID:          evt.ID,
		Type:        string(evt.Type),
		StoryID:     evt.StoryID,
		ActorUserID: evt.ActorUserID,
		CreatedAt:   evt.CreatedAt,
		Payload:     payload,
	}
	if evt.TaskID != nil {
		body.TaskID = *evt.TaskID
	}
	if evt.EventNote != nil {
		body.Note = *evt.EventNote
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Klawfield-Event", string(evt.Type))
	req.Header.Set("X-Klawfield-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
