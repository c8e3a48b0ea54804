package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teatime-co/Reflective-Server/internal/users"
)

type streamedEvent struct {
	eventType string
	payload   realtimeEventPayload
}

// openEventStream connects to the event stream and parses events in the background.
func openEventStream(t *testing.T, serverURL, token string) <-chan streamedEvent {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, serverURL+"/sync/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected stream content type %q", contentType)
	}

	events := make(chan streamedEvent, 64)
	go func() {
		defer close(events)
		reader := bufio.NewReader(response.Body)
		currentEventType := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				var payload realtimeEventPayload
				if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
					return
				}
				events <- streamedEvent{eventType: currentEventType, payload: payload}
			}
		}
	}()
	return events
}

func waitForEvent(t *testing.T, events <-chan streamedEvent, eventType string) realtimeEventPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case event, open := <-events:
			if !open {
				t.Fatalf("stream closed before %s event", eventType)
			}
			if event.eventType == eventType {
				return event.payload
			}
		}
	}
}

func TestRealtimeStreamEmitsSyncEvents(t *testing.T) {
	env := newTestEnvironment(t)
	env.grantTier(t, "user-123", users.TierFullSync)
	token := env.mintToken(t, "user-123")

	server := httptest.NewServer(env.handler)
	t.Cleanup(server.Close)

	events := openEventStream(t, server.URL, token)
	waitForEvent(t, events, realtimeEventHeartbeat)

	env.do(t, token, http.MethodPost, "/sync/backup", pushBody("entry-1", "from-a", "2025-11-09T10:00:00Z", "device-a"))
	changed := waitForEvent(t, events, RealtimeEventBackupChanged)
	if len(changed.EntryIDs) != 1 || changed.EntryIDs[0] != "entry-1" || changed.DeviceID != "device-a" {
		t.Fatalf("unexpected backup-changed payload: %#v", changed)
	}
	if changed.Source != realtimeSourceBackend {
		t.Fatalf("unexpected event source %q", changed.Source)
	}

	rejected := decodeBody[errorResponse](t, env.do(t, token, http.MethodPost, "/sync/backup", pushBody("entry-1", "from-b", "2025-11-09T10:05:00Z", "device-b")))
	detected := waitForEvent(t, events, RealtimeEventConflictDetected)
	if detected.ConflictID != rejected.ConflictID || detected.DeviceID != "device-b" {
		t.Fatalf("unexpected conflict-detected payload: %#v", detected)
	}

	env.do(t, token, http.MethodPost, "/sync/conflicts/"+rejected.ConflictID+"/resolve", map[string]string{"chosen_version": "remote"})
	resolved := waitForEvent(t, events, RealtimeEventConflictResolved)
	if resolved.ConflictID != rejected.ConflictID || resolved.EntryIDs[0] != "entry-1" {
		t.Fatalf("unexpected conflict-resolved payload: %#v", resolved)
	}

	env.do(t, token, http.MethodDelete, "/sync/backup/entry-1", nil)
	deleted := waitForEvent(t, events, RealtimeEventBackupDeleted)
	if deleted.EntryIDs[0] != "entry-1" {
		t.Fatalf("unexpected backup-deleted payload: %#v", deleted)
	}

	env.do(t, token, http.MethodPost, "/sync/revoke", nil)
	waitForEvent(t, events, RealtimeEventBackupsPurged)
}

func TestRealtimeStreamRequiresFullSync(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.mintToken(t, "user-123")

	recorder := env.do(t, token, http.MethodGet, "/sync/events", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for local_only stream, got %d", recorder.Code)
	}
}
