// Package tts synthesizes speech through Cartesia's HTTP bytes API.
// One request per utterance, whole clip in the response body; the
// caller decides what to do with the encoded audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/audio"
	"github.com/blurtlabs/blurt/internal/observability"
	"github.com/blurtlabs/blurt/internal/resilience"
)

const (
	bytesEndpoint  = "/tts/bytes"
	apiVersion     = "2024-06-10"
	requestedModel = "sonic-2"

	// Output format requested from Cartesia. The response is probed
	// rather than trusted, so a provider-side change of container
	// degrades to a transcode instead of silence.
	outputContainer  = "mp3"
	outputSampleRate = 44100
	outputBitRate    = 128000

	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// CartesiaClient calls the Cartesia synthesis API. Safe for concurrent
// use; every in-flight request is independent.
type CartesiaClient struct {
	apiURL     string
	apiKey     string
	modelID    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	log        zerolog.Logger
}

// cartesiaRequest is the bytes-endpoint payload.
type cartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        cartesiaVoice  `json:"voice"`
	OutputFormat cartesiaFormat `json:"output_format"`
	Language     string         `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaFormat struct {
	Container  string `json:"container"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

// NewCartesiaClient builds a client against apiURL (scheme and host,
// no path). A zero timeout falls back to 30s per request; the registry
// applies its own synthesis bound on top through ctx.
func NewCartesiaClient(apiURL, apiKey, modelID string, timeout time.Duration) *CartesiaClient {
	if modelID == "" {
		modelID = requestedModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CartesiaClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		modelID:    modelID,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    resilience.NewCircuitBreaker("cartesia", breakerMaxFailures, breakerResetTimeout),
		log:        observability.Component("tts"),
	}
}

// Synthesize converts one utterance to an audio clip. voiceID is a
// provider voice identifier, already resolved from the friendly name.
// No retries here: a failed utterance is reported to its submitter and
// the next one gets a fresh attempt.
func (c *CartesiaClient) Synthesize(ctx context.Context, text, voiceID string) (*audio.Clip, error) {
	if text == "" {
		return nil, fmt.Errorf("empty transcript")
	}
	if voiceID == "" {
		voiceID = voiceCatalog[DefaultVoice]
	}

	payload := cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaFormat{
			Container:  outputContainer,
			SampleRate: outputSampleRate,
			BitRate:    outputBitRate,
		},
		Language: "en",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var data []byte
	err = c.breaker.Call(func() error {
		var callErr error
		data, callErr = c.post(ctx, body)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	container := audio.Probe(data)
	if container == audio.ContainerUnknown {
		return nil, fmt.Errorf("unrecognized audio container in %d byte response", len(data))
	}
	clip := &audio.Clip{Data: data, Container: container}
	c.log.Debug().
		Int("bytes", len(data)).
		Str("container", clip.Container.String()).
		Msg("Synthesized clip")
	return clip, nil
}

func (c *CartesiaClient) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+bytesEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio response: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}
	return data, nil
}

// Healthy reports whether the client believes the upstream is usable.
// It consults the breaker instead of spending a billable request.
func (c *CartesiaClient) Healthy(ctx context.Context) (bool, error) {
	if state := c.breaker.State(); state == resilience.StateOpen {
		return false, fmt.Errorf("cartesia circuit %s", state)
	}
	return true, nil
}
