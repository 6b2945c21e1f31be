package fetch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// listBucketResult is the subset of the S3 ListObjectsV2 XML response the
// engine reads: CommonPrefixes/Prefix for directory traversal and
// Contents/Key for file enumeration (spec §6.1).
type listBucketResult struct {
	XMLName        xml.Name `xml:"ListBucketResult"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated bool `xml:"IsTruncated"`
}

// ListResult is one page of a bucket listing.
type ListResult struct {
	CommonPrefixes []string // directory-like prefixes
	Keys           []string // file keys
	Truncated      bool
}

// Lister lists a bucket root under a prefix with delimiter "/".
type Lister struct {
	Client *http.Client
	Root   string // bucket root URL, e.g. https://data.example.com/bucket
}

// NewLister returns a Lister rooted at root. A nil client uses http.DefaultClient.
func NewLister(client *http.Client, root string) *Lister {
	if client == nil {
		client = http.DefaultClient
	}
	return &Lister{Client: client, Root: root}
}

// List issues GET <root>/?list-type=2&prefix=P&delimiter=/ and parses the result.
func (l *Lister) List(ctx context.Context, prefix string) (ListResult, error) {
	url := fmt.Sprintf("%s/?list-type=2&prefix=%s&delimiter=/", l.Root, prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ListResult{}, &NetworkError{URL: url, Err: err}
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return ListResult{}, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ListResult{}, &NetworkError{URL: url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ListResult{}, &NetworkError{URL: url, Err: err}
	}

	var parsed listBucketResult
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return ListResult{}, fmt.Errorf("fetch: parsing list response for prefix %q: %w", prefix, err)
	}

	out := ListResult{Truncated: parsed.IsTruncated}
	for _, p := range parsed.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, p.Prefix)
	}
	for _, c := range parsed.Contents {
		out.Keys = append(out.Keys, c.Key)
	}
	return out, nil
}

// Manifest is the per-model latest.json document (spec §4.5 step 1, §6.1).
type Manifest struct {
	ReferenceTime string   `json:"reference_time"`
	ValidTimes    []string `json:"valid_times"`
	Variables     []string `json:"variables"`
}

// FetchManifest fetches and parses <root>/<model>/latest.json.
func FetchManifest(ctx context.Context, client *http.Client, root, model string) (Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/%s/latest.json", root, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, &NetworkError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, &NetworkError{URL: url, Status: resp.StatusCode}
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("fetch: parsing manifest for %q: %w", model, err)
	}
	return m, nil
}
