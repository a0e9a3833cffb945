// Package refiner turns free-form request text into a better search query
// plus structured artist/song/album metadata, using a chat-completion
// endpoint. Refinement is strictly best-effort: one attempt, a short
// timeout, and any failure means the caller falls back to the raw text.
package refiner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a refinement call. Kept short on purpose: a slow
// refiner must never hold up a download.
const DefaultTimeout = 10 * time.Second

// fallbackAlbum is used whenever no album can be identified, so the
// library tree always has an album level.
const fallbackAlbum = "Singles"

// Refinement is the structured result of refining a piece of request text.
type Refinement struct {
	// Query is the improved search query. Never empty: it degrades to the
	// original text.
	Query string

	Artist string
	Song   string
	Album  string
}

// Refiner is the query refinement collaborator consumed by the processor.
type Refiner interface {
	Refine(ctx context.Context, text string) (Refinement, error)
}

// Fallback returns the refinement used when no refiner output is
// available: the raw text as-is with the fallback album.
func Fallback(text string) Refinement {
	return Refinement{Query: text, Album: fallbackAlbum}
}

// HTTP is a Refiner backed by an OpenAI-compatible chat-completions
// endpoint.
type HTTP struct {
	Endpoint string
	APIKey   string
	Model    string

	Client *http.Client
}

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   4 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// NewHTTP returns an HTTP refiner with the given endpoint credentials.
// A non-positive timeout falls back to DefaultTimeout.
func NewHTTP(endpoint, apiKey, model string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Client:   &http.Client{Transport: transport, Timeout: timeout},
	}
}

const prompt = `Given this music request: %q

Extract the PRIMARY artist name, song title, and album name from the request.
Return only the MAIN artist, clean the song title of YouTube extras
("Official Video", "Lyric Video", featuring credits, label suffixes), and
always identify an album, using "Singles" when none fits.

Format your response as a JSON object with these exact keys:
"artist", "song", "album", "refined_search_term"

Return only the JSON object, no extra text.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Refine asks the endpoint for a refined query and structured metadata.
// Without an API key it degrades immediately to Fallback(text).
func (r *HTTP) Refine(ctx context.Context, text string) (Refinement, error) {
	if r.APIKey == "" {
		return Fallback(text), nil
	}

	body, err := json.Marshal(chatRequest{
		Model:       r.Model,
		Messages:    []chatMessage{{Role: "user", Content: fmt.Sprintf(prompt, text)}},
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		return Refinement{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Refinement{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Refinement{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Refinement{}, fmt.Errorf("refiner returned status %s", resp.Status)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Refinement{}, err
	}
	if len(cr.Choices) == 0 {
		return Refinement{}, fmt.Errorf("refiner returned no choices")
	}

	return parseContent(cr.Choices[0].Message.Content, text)
}

// parseContent interprets the model output. Malformed JSON degrades to
// using the raw content (or the original text) as the query.
func parseContent(content, original string) (Refinement, error) {
	content = strings.TrimSpace(content)

	var parsed struct {
		Artist  string `json:"artist"`
		Song    string `json:"song"`
		Album   string `json:"album"`
		Refined string `json:"refined_search_term"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		if content == "" {
			return Fallback(original), nil
		}
		return Refinement{Query: content, Album: fallbackAlbum}, nil
	}

	ref := Refinement{
		Query:  parsed.Refined,
		Artist: parsed.Artist,
		Song:   parsed.Song,
		Album:  parsed.Album,
	}
	if ref.Query == "" {
		ref.Query = original
	}
	if ref.Album == "" {
		ref.Album = fallbackAlbum
	}
	return ref, nil
}
