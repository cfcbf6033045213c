package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/handlers"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/record"
)

// Thin HTTP clients for the extraction, storage, and search services. Each
// provider exposes one call per operation; this core treats them as black
// boxes and only relays success/failure plus diagnostics.

const defaultTimeout = 90 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

type ExtractorClient struct {
	base   string
	client *http.Client
}

func NewExtractor(baseURL string) *ExtractorClient {
	return &ExtractorClient{base: baseURL, client: newHTTPClient()}
}

func (c *ExtractorClient) Extract(ctx context.Context, fileID, method string) (string, error) {
	body, _ := json.Marshal(map[string]string{"file_id": fileID, "method": method})
	var resp struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/v1/extract", body, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *ExtractorClient) post(ctx context.Context, path string, body []byte, out interface{}) error {
	return postJSON(ctx, c.client, c.base+path, body, out)
}

type ReplicatorClient struct {
	base   string
	client *http.Client
}

func NewReplicator(baseURL string) *ReplicatorClient {
	return &ReplicatorClient{base: baseURL, client: newHTTPClient()}
}

func (c *ReplicatorClient) Sync(ctx context.Context, fileID string) (handlers.SyncReport, error) {
	body, _ := json.Marshal(map[string]string{"file_id": fileID})
	var resp struct {
		Repaired int  `json:"repaired"`
		InSync   bool `json:"in_sync"`
	}
	if err := postJSON(ctx, c.client, c.base+"/v1/sync", body, &resp); err != nil {
		return handlers.SyncReport{}, err
	}
	return handlers.SyncReport{Repaired: resp.Repaired, InSync: resp.InSync}, nil
}

type IndexClient struct {
	base   string
	client *http.Client
}

func NewIndex(baseURL string) *IndexClient {
	return &IndexClient{base: baseURL, client: newHTTPClient()}
}

func (c *IndexClient) Upsert(ctx context.Context, doc record.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return postJSON(ctx, c.client, c.base+"/v1/documents", body, nil)
}

func (c *IndexClient) Delete(ctx context.Context, docID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/documents/"+docID, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("index delete %s: status %d", docID, resp.StatusCode)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
