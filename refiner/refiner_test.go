package refiner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func chatServer(content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRefine(t *testing.T) {
	srv := chatServer(`{"artist":"Adele","song":"Hello","album":"25","refined_search_term":"Adele Hello"}`)
	defer srv.Close()

	r := NewHTTP(srv.URL, "test-key", "test-model", time.Second)
	ref, err := r.Refine(context.Background(), "play hello by adele")
	if err != nil {
		t.Fatal(err)
	}

	if ref.Query != "Adele Hello" || ref.Artist != "Adele" || ref.Song != "Hello" || ref.Album != "25" {
		t.Errorf("Unexpected refinement %+v", ref)
	}
}

func TestRefineMalformedContent(t *testing.T) {
	srv := chatServer("Adele Hello official audio")
	defer srv.Close()

	r := NewHTTP(srv.URL, "test-key", "test-model", time.Second)
	ref, err := r.Refine(context.Background(), "play hello by adele")
	if err != nil {
		t.Fatal(err)
	}

	// Non-JSON output is still usable as a query.
	if ref.Query != "Adele Hello official audio" {
		t.Errorf("Expected the raw content as query, got %q", ref.Query)
	}
	if ref.Album != "Singles" {
		t.Errorf("Expected the fallback album, got %q", ref.Album)
	}
}

func TestRefineMissingAlbum(t *testing.T) {
	srv := chatServer(`{"artist":"Sia","song":"Chandelier","album":"","refined_search_term":"Sia Chandelier"}`)
	defer srv.Close()

	r := NewHTTP(srv.URL, "test-key", "test-model", time.Second)
	ref, err := r.Refine(context.Background(), "chandelier")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Album != "Singles" {
		t.Errorf("Expected the fallback album, got %q", ref.Album)
	}
}

func TestRefineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTP(srv.URL, "test-key", "test-model", time.Second)
	_, err := r.Refine(context.Background(), "anything")
	if err == nil {
		t.Fatal("Expected an error for a failing endpoint")
	}
}

func TestRefineWithoutAPIKey(t *testing.T) {
	r := NewHTTP("http://localhost:1", "", "test-model", time.Second)
	ref, err := r.Refine(context.Background(), "play yesterday")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Query != "play yesterday" || ref.Album != "Singles" {
		t.Errorf("Expected the fallback refinement, got %+v", ref)
	}
}

func TestFallback(t *testing.T) {
	ref := Fallback("some text")
	if ref.Query != "some text" || ref.Album != "Singles" || ref.Artist != "" {
		t.Errorf("Unexpected fallback %+v", ref)
	}
}
