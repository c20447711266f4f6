// Package speech wraps DashScope text-to-speech and asynchronous speech-to-text.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/config"
)

var (
	ErrTranscription = errors.New("transcription failed")
	ErrSynthesis     = errors.New("synthesis failed")
)

const (
	taskSucceeded = "SUCCEEDED"
	taskFailed    = "FAILED"
	taskCanceled  = "CANCELED"
	taskUnknown   = "UNKNOWN"
)

type Config struct {
	BaseURL      string
	APIKey       string
	TTSModel     string
	ASRModel     string
	Voice        string
	Language     string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		BaseURL:      cfg.SpeechBaseURL,
		APIKey:       cfg.SpeechAPIKey,
		TTSModel:     cfg.SpeechTTSModel,
		ASRModel:     cfg.SpeechASRModel,
		Voice:        cfg.SpeechVoice,
		Language:     cfg.SpeechLanguage,
		PollInterval: cfg.SpeechPollInterval,
	}
}

// Client is stateless between calls; credentials come from Config only.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TTSModel == "" {
		cfg.TTSModel = "qwen3-tts-flash"
	}
	if cfg.ASRModel == "" {
		cfg.ASRModel = "fun-asr"
	}
	if cfg.Voice == "" {
		cfg.Voice = "Cherry"
	}
	if cfg.Language == "" {
		cfg.Language = "Chinese"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc}
}

func (c *Client) DefaultVoice() string    { return c.cfg.Voice }
func (c *Client) DefaultLanguage() string { return c.cfg.Language }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ttsRequest struct {
	Model string `json:"model"`
	Input struct {
		Text         string `json:"text"`
		Voice        string `json:"voice"`
		LanguageType string `json:"language_type,omitempty"`
	} `json:"input"`
}

type ttsResponse struct {
	apiError
	Output struct {
		Audio struct {
			URL string `json:"url"`
		} `json:"audio"`
	} `json:"output"`
}

// Synthesize returns a URL to the generated audio. Empty voice or language
// fall back to the configured defaults.
func (c *Client) Synthesize(ctx context.Context, text, voice, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty text", ErrSynthesis)
	}
	if voice == "" {
		voice = c.cfg.Voice
	}
	if language == "" {
		language = c.cfg.Language
	}

	var req ttsRequest
	req.Model = c.cfg.TTSModel
	req.Input.Text = text
	req.Input.Voice = voice
	req.Input.LanguageType = language

	var resp ttsResponse
	if err := c.call(ctx, http.MethodPost, c.cfg.BaseURL+"/services/aigc/multimodal-generation/generation", req, nil, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	if resp.Output.Audio.URL == "" {
		return "", fmt.Errorf("%w: response has no audio", ErrSynthesis)
	}
	return resp.Output.Audio.URL, nil
}

type asrRequest struct {
	Model string `json:"model"`
	Input struct {
		FileURLs []string `json:"file_urls"`
	} `json:"input"`
}

type taskResponse struct {
	apiError
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			FileURL          string `json:"file_url"`
			TranscriptionURL string `json:"transcription_url"`
			SubtaskStatus    string `json:"subtask_status"`
			Code             string `json:"code"`
			Message          string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

type transcriptFile struct {
	Transcripts []struct {
		Text string `json:"text"`
	} `json:"transcripts"`
}

// Transcribe submits audioURL as an async job, waits for it and returns the
// first transcript's text.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (string, error) {
	if strings.TrimSpace(audioURL) == "" {
		return "", fmt.Errorf("%w: empty audio url", ErrTranscription)
	}

	taskID, err := c.submit(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("%w: submit: %v", ErrTranscription, err)
	}
	resultURL, err := c.await(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("%w: task %s: %v", ErrTranscription, taskID, err)
	}
	text, err := c.fetchTranscript(ctx, resultURL)
	if err != nil {
		return "", fmt.Errorf("%w: fetch transcript: %v", ErrTranscription, err)
	}
	return text, nil
}

func (c *Client) submit(ctx context.Context, audioURL string) (string, error) {
	var req asrRequest
	req.Model = c.cfg.ASRModel
	req.Input.FileURLs = []string{audioURL}

	var resp taskResponse
	hdr := http.Header{"X-DashScope-Async": []string{"enable"}}
	if err := c.call(ctx, http.MethodPost, c.cfg.BaseURL+"/services/audio/asr/transcription", req, hdr, &resp); err != nil {
		return "", err
	}
	if resp.Output.TaskID == "" {
		return "", errors.New("no task id in response")
	}
	return resp.Output.TaskID, nil
}

func (c *Client) await(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var resp taskResponse
		if err := c.call(ctx, http.MethodGet, c.cfg.BaseURL+"/tasks/"+taskID, nil, nil, &resp); err != nil {
			return "", err
		}

		switch resp.Output.TaskStatus {
		case taskSucceeded:
			for _, r := range resp.Output.Results {
				if r.SubtaskStatus != "" && r.SubtaskStatus != taskSucceeded {
					return "", fmt.Errorf("subtask %s: %s %s", r.SubtaskStatus, r.Code, r.Message)
				}
				if r.TranscriptionURL != "" {
					return r.TranscriptionURL, nil
				}
			}
			return "", errors.New("task succeeded without a transcription url")
		case taskFailed, taskCanceled, taskUnknown:
			return "", fmt.Errorf("status %s: %s %s", resp.Output.TaskStatus, resp.Output.Code, resp.Output.Message)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchTranscript(ctx context.Context, resultURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var tf transcriptFile
	if err := json.NewDecoder(resp.Body).Decode(&tf); err != nil {
		return "", err
	}
	if len(tf.Transcripts) == 0 {
		return "", errors.New("no transcripts")
	}
	return tf.Transcripts[0].Text, nil
}

// call sends an authenticated JSON request and decodes the JSON reply into out.
func (c *Client) call(ctx context.Context, method, url string, body any, hdr http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		if json.Unmarshal(b, &ae) == nil && ae.Message != "" {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, ae.Code, ae.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
