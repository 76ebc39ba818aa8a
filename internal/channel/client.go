package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmw-nz/hoard/internal/item"
)

const (
	historyTemplate = "%s/channels/%s/history?before_id=%d&limit=%d"
	resolveTemplate = "%s/media/%s/descriptor"
	contentTemplate = "%s/media/%s/content"
)

type (
	Config struct {
		BaseUrl  string `yaml:"base_url" env:"CHANNEL_API_URL" env-required:"true"`
		ApiToken string `yaml:"api_token" env:"CHANNEL_API_TOKEN"`
	}

	// RawItem is one entry of a channels history as the remote API
	// reports it, before classification.
	RawItem struct {
		ItemID    int64     `json:"item_id"`
		Timestamp time.Time `json:"timestamp"`
		Link      string    `json:"link"`
		Media     *RawMedia `json:"media"`
	}

	RawMedia struct {
		Type         item.MediaType `json:"type"`
		Ref          string         `json:"ref"`
		UniqueRef    string         `json:"unique_ref"`
		FileName     *string        `json:"file_name"`
		MimeType     *string        `json:"mime_type"`
		SizeBytes    *int64         `json:"size_bytes"`
		DurationSecs *int64         `json:"duration_seconds"`
		Width        *int64         `json:"width"`
		Height       *int64         `json:"height"`
	}

	// MediaDescriptor is the re-resolved form of a media reference.
	// References go stale over time; a descriptor fetched immediately
	// before download carries a currently-fetchable ref.
	MediaDescriptor struct {
		Ref       string `json:"ref"`
		SizeBytes *int64 `json:"size_bytes"`
	}

	// Client is the boundary to the remote channel API. GetHistory
	// pages a channels history backward (items strictly older than
	// beforeID, newest first); a beforeID of 0 means "from the most
	// recent item".
	Client interface {
		GetHistory(ctx context.Context, channelID string, beforeID int64, limit int) ([]RawItem, error)
		ResolveCurrentMedia(ctx context.Context, staleRef string) (*MediaDescriptor, error)
		Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	}

	httpClient struct {
		config Config
		client *http.Client
	}
)

func NewClient(config Config) Client {
	return &httpClient{config: config, client: &http.Client{}}
}

func (client *httpClient) GetHistory(ctx context.Context, channelID string, beforeID int64, limit int) ([]RawItem, error) {
	path := fmt.Sprintf(historyTemplate, client.config.BaseUrl, channelID, beforeID, limit)
	var items []RawItem
	if err := client.getJSON(ctx, path, &items); err != nil {
		return nil, err
	}

	return items, nil
}

func (client *httpClient) ResolveCurrentMedia(ctx context.Context, staleRef string) (*MediaDescriptor, error) {
	path := fmt.Sprintf(resolveTemplate, client.config.BaseUrl, staleRef)
	var descriptor MediaDescriptor
	if err := client.getJSON(ctx, path, &descriptor); err != nil {
		return nil, err
	}

	return &descriptor, nil
}

// Fetch opens a byte stream for the media reference provided. The
// caller owns the returned reader and must close it. A reference the
// remote no longer recognises returns StaleRefError; the caller should
// re-resolve via ResolveCurrentMedia and retry once.
func (client *httpClient) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	path := fmt.Sprintf(contentTemplate, client.config.BaseUrl, ref)
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to perform GET(%s): %s", path, err.Error())}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, &StaleRefError{ref}
	default:
		resp.Body.Close()
		return nil, &FailedRequestError{httpCode: resp.StatusCode, message: "media content request rejected"}
	}
}

func (client *httpClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if client.config.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+client.config.ApiToken)
	}

	return client.client.Do(req)
}

func (client *httpClient) getJSON(ctx context.Context, path string, target interface{}) error {
	resp, err := client.get(ctx, path)
	if err != nil {
		return &UnknownRequestError{fmt.Sprintf("failed to perform GET(%s): %s", path, err.Error())}
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &FailedRequestError{httpCode: resp.StatusCode, message: string(respBody)}
	}

	if err != nil {
		return &UnknownRequestError{fmt.Sprintf("failed to read response body: %s", err.Error())}
	}

	if err := json.Unmarshal(respBody, target); err != nil {
		return &UnknownRequestError{fmt.Sprintf("response JSON could not be unmarshalled: %s", err.Error())}
	}

	return nil
}

type (
	FailedRequestError struct {
		httpCode int
		message  string
	}
	UnknownRequestError struct{ reason string }
	StaleRefError       struct{ Ref string }
)

func (err *FailedRequestError) Error() string {
	return fmt.Sprintf("request failure (HTTP %d): %s", err.httpCode, err.message)
}
func (err *UnknownRequestError) Error() string {
	return fmt.Sprintf("unknown error occurred while communicating with channel API: %s", err.reason)
}
func (err *StaleRefError) Error() string {
	return fmt.Sprintf("media reference %s is stale and must be re-resolved", err.Ref)
}
