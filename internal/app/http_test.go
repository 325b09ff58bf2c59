package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fabula/api/internal/story"
)

func newTestServer(dataStore dataStore) *httptest.Server {
	service, _ := newTestService(dataStore)
	return httptest.NewServer(NewHTTPServer(service, "*").Handler())
}

func getJSON(t *testing.T, server *httptest.Server, path string, target any) int {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func doJSON(t *testing.T, server *httptest.Server, method, path, userID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	var health map[string]any
	if status := getJSON(t, server, "/api/health", &health); status != http.StatusOK {
		t.Fatalf("health returned %d", status)
	}
	if health["ok"] != true {
		t.Errorf("unexpected health payload: %v", health)
	}

	if status := getJSON(t, server, "/api/ready", nil); status != http.StatusOK {
		t.Fatalf("ready returned %d", status)
	}
}

func TestMutationsRequireUserHeader(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, payload := doJSON(t, server, http.MethodPost, "/api/stories", "", `{"title":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without user header, got %d", resp.StatusCode)
	}
	if payload["code"] != "USER_REQUIRED" {
		t.Errorf("unexpected error payload: %v", payload)
	}
}

func TestLockConflictOverHTTP(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	body := `{"blockType":"sections","blockId":"sec-a"}`
	resp, _ := doJSON(t, server, http.MethodPost, "/api/stories/story-1/locks/enter", "alice", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first enter returned %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, server, http.MethodPost, "/api/stories/story-1/locks/enter", "bob", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for held block, got %d", resp.StatusCode)
	}
	if payload["code"] != "BLOCK_UNAVAILABLE" {
		t.Errorf("unexpected error payload: %v", payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["heldBy"] != "alice" {
		t.Errorf("details should name the holder: %v", payload)
	}

	// The holder leaves, bob can enter.
	resp, _ = doJSON(t, server, http.MethodPost, "/api/stories/story-1/locks/leave", "alice", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave returned %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, server, http.MethodPost, "/api/stories/story-1/locks/enter", "bob", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enter after leave returned %d", resp.StatusCode)
	}
}

func TestGetStoryAndLockSummary(t *testing.T) {
	fixture := testStory()
	server := newTestServer(&fakeStore{
		getStoryFn: func(context.Context, string) (story.Story, error) { return fixture, nil },
	})
	defer server.Close()

	var item story.Story
	if status := getJSON(t, server, "/api/stories/story-1", &item); status != http.StatusOK {
		t.Fatalf("get story returned %d", status)
	}
	if item.ID != "story-1" || len(item.Sections) != 2 {
		t.Errorf("unexpected story payload: %+v", item)
	}

	var summary map[string]map[string]string
	if status := getJSON(t, server, "/api/stories/story-1/locks", &summary); status != http.StatusOK {
		t.Fatalf("lock summary returned %d", status)
	}
	for _, blockType := range []string{"sections", "resources", "storyMetadata"} {
		if _, ok := summary[blockType]; !ok {
			t.Errorf("summary missing %s", blockType)
		}
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	fixture := testStory()
	server := newTestServer(&fakeStore{
		getStoryFn: func(context.Context, string) (story.Story, error) { return fixture, nil },
	})
	defer server.Close()

	resp, payload := doJSON(t, server, http.MethodPost, "/api/stories/story-1/resources", "alice",
		`{"metadata":{"type":"gif","title":"x"}}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad kind, got %d", resp.StatusCode)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("unexpected payload: %v", payload)
	}

	resp, _ = doJSON(t, server, http.MethodPost, "/api/stories/story-1/locks/enter", "alice",
		`{"blockType":"bogus","blockId":"sec-a"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad block type, got %d", resp.StatusCode)
	}
}

func TestLiveBufferRoundTrip(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	if status := getJSON(t, server, "/api/stories/story-1/sections/sec-a/live", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 before any buffer is stored, got %d", status)
	}

	body := `{"contents":{"blocks":[{"key":"b1","type":"unstyled","text":"draft"}],"entityMap":{}}}`
	resp, _ := doJSON(t, server, http.MethodPut, "/api/stories/story-1/sections/sec-a/live", "alice", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put live buffer returned %d", resp.StatusCode)
	}

	var payload struct {
		Contents struct {
			Blocks []struct {
				Text string `json:"text"`
			} `json:"blocks"`
		} `json:"contents"`
	}
	if status := getJSON(t, server, "/api/stories/story-1/sections/sec-a/live", &payload); status != http.StatusOK {
		t.Fatalf("get live buffer returned %d", status)
	}
	if len(payload.Contents.Blocks) != 1 || payload.Contents.Blocks[0].Text != "draft" {
		t.Errorf("unexpected buffer payload: %+v", payload)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	var payload map[string]any
	if status := getJSON(t, server, "/api/nope", &payload); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Errorf("unexpected payload: %v", payload)
	}
}
