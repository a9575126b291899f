package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/voocel/relay/schema"
)

// Fetcher serves the fetch_page tool: fetch a URL and return its content as
// plain text, markdown or trimmed HTML.
type Fetcher struct {
	client      *http.Client
	maxBodySize int64
}

type fetchRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Timeout int    `json:"timeout,omitempty"`
}

type fetchResponse struct {
	Content   string `json:"content"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url"`
	Format    string `json:"format"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// NewFetcher creates a fetcher. maxBodySize of zero means 5MB.
func NewFetcher(maxBodySize int64) *Fetcher {
	if maxBodySize <= 0 {
		maxBodySize = 5 * 1024 * 1024
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBodySize: maxBodySize,
	}
}

// WithClient replaces the HTTP client, mainly for tests.
func (f *Fetcher) WithClient(client *http.Client) *Fetcher {
	f.client = client
	return f
}

// Def describes the fetch_page tool.
func (f *Fetcher) Def() schema.ToolDef {
	return schema.ToolDef{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its content as text, markdown or html",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"},
				"format": {
					"type": "string",
					"description": "Output format",
					"enum": ["text", "markdown", "html"]
				},
				"timeout": {"type": "number", "description": "Optional timeout in seconds (max 120)"}
			},
			"required": ["url", "format"]
		}`),
	}
}

// Run fetches the page.
func (f *Fetcher) Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req fetchRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return nil, schema.NewValidationError("url", req.URL, "must start with http:// or https://")
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		if req.Timeout > 120 {
			req.Timeout = 120
		}
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "relay-fetch/1.0")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", req.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	content := string(body)
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("fetching %s: body is not valid UTF-8", req.URL)
	}

	isHTML := strings.Contains(resp.Header.Get("Content-Type"), "text/html")
	var title string
	if isHTML {
		title, content, err = renderHTML(content, req.Format)
		if err != nil {
			return nil, err
		}
	}

	size := int64(len(content))
	truncated := false
	if size > f.maxBodySize {
		content = content[:f.maxBodySize]
		truncated = true
	}

	return json.Marshal(fetchResponse{
		Content:   content,
		Title:     title,
		URL:       req.URL,
		Format:    req.Format,
		Size:      size,
		Truncated: truncated,
	})
}

func renderHTML(html, format string) (title, content string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parsing HTML: %w", err)
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	switch format {
	case "text":
		content = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	case "markdown":
		converter := md.NewConverter("", true, nil)
		content, err = converter.ConvertString(html)
		if err != nil {
			return "", "", fmt.Errorf("converting to markdown: %w", err)
		}
	case "html":
		body, err := doc.Find("body").Html()
		if err != nil {
			return "", "", fmt.Errorf("extracting body: %w", err)
		}
		content = body
	default:
		return "", "", fmt.Errorf("unknown format %q", format)
	}
	return title, content, nil
}
