package immich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to an Immich-compatible asset server. Uploads stream the file
// through a pipe so large videos never sit in memory.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// mimeTypes covers the asset types the pipeline handles. Anything else is
// sent as octet-stream and left to the server's own detection.
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".heic": "image/heic",
	".heif": "image/heif",
	".dng":  "image/x-adobe-dng",
	".cr2":  "image/x-canon-cr2",
	".cr3":  "image/x-canon-cr3",
	".nef":  "image/x-nikon-nef",
	".arw":  "image/x-sony-arw",
	".raf":  "image/x-fuji-raf",
	".orf":  "image/x-olympus-orf",
	".rw2":  "image/x-panasonic-rw2",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mts":  "video/mp2t",
}

type uploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Upload sends the file to the asset server and returns the server-side asset
// ID. A server-reported duplicate counts as success: the asset is already
// there, which is all the caller needs.
func (c *Client) Upload(ctx context.Context, path string, createdAt time.Time, deviceID string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		defer mw.Close()

		fields := map[string]string{
			"deviceId":       deviceID,
			"deviceAssetId":  fmt.Sprintf("%s-%d", name, info.ModTime().Unix()),
			"fileCreatedAt":  createdAt.UTC().Format(time.RFC3339),
			"fileModifiedAt": info.ModTime().UTC().Format(time.RFC3339),
			"isFavorite":     "false",
		}
		for k, v := range fields {
			if werr = mw.WriteField(k, v); werr != nil {
				return
			}
		}

		part, perr := mw.CreatePart(fileHeader(name))
		if perr != nil {
			werr = perr
			return
		}
		_, werr = io.Copy(part, f)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/assets", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("immich upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("immich upload returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("immich upload: bad response: %w", err)
	}
	if result.Status == "duplicate" {
		log.Printf("Immich: %s already present as asset %s", name, result.ID)
	}
	return result.ID, nil
}

// Verify confirms the server still knows the asset.
func (c *Client) Verify(ctx context.Context, assetID string) bool {
	if assetID == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/assets/"+assetID, nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// CheckReachable pings the server. Older server versions expose server-info
// instead of ping, so both are tried.
func (c *Client) CheckReachable(ctx context.Context) bool {
	for _, endpoint := range []string{"/api/server/ping", "/api/server-info/ping"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
		if err != nil {
			continue
		}
		req.Header.Set("x-api-key", c.apiKey)
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
	}
	return false
}

func fileHeader(name string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="assetData"; filename="%s"`, name))
	ct := mimeTypes[strings.ToLower(filepath.Ext(name))]
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}
