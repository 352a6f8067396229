// Package download fetches UMLS full-release archives from the UTS download
// service and extracts them for parsing. Releases are multi-gigabyte zips, so
// the body is streamed to disk with the checksum computed on the way through.
package download

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gowthamrao/neo-umls-syncer/internal/platform/httpx"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

type Config struct {
	APIKey      string
	BaseURL     string
	DownloadDir string
	Timeout     time.Duration
	MaxRetries  int
}

type Client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	// Release zips run to several GB; the stream client carries no overall
	// timeout and relies on ctx for cancellation.
	streamClient *http.Client
	maxRetries   int
	baseBackoff  time.Duration
}

// Release is one entry of the UTS releases index.
type Release struct {
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl"`
	MD5         string `json:"md5"`
}

type releasesResponse struct {
	Result []Release `json:"result"`
}

func New(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("download: logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("download: UTS api key required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://uts-ws.nlm.nih.gov"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		cfg.DownloadDir = "./umls_download"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}

	return &Client{
		log:          log.With("client", "UTSDownload"),
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		maxRetries:   cfg.MaxRetries,
		baseBackoff:  time.Second,
	}, nil
}

// FetchRelease ensures the named release is extracted locally and returns the
// META directory holding the RRF files. An already-extracted release is
// reused without touching the network.
func (c *Client) FetchRelease(ctx context.Context, version string) (string, error) {
	versionDir := filepath.Join(c.cfg.DownloadDir, version)
	if metaDir, ok := findMetaDir(versionDir); ok {
		c.log.Info("release already extracted, skipping download", "version", version, "meta_dir", metaDir)
		return metaDir, nil
	}

	rel, err := c.releaseInfo(ctx, version)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("download: create download dir: %w", err)
	}
	zipPath, err := c.downloadZip(ctx, rel)
	if err != nil {
		return "", err
	}

	c.log.Info("extracting release", "version", version, "zip", filepath.Base(zipPath))
	if err := extractZip(zipPath, versionDir); err != nil {
		return "", err
	}
	_ = os.Remove(zipPath)

	metaDir, ok := findMetaDir(versionDir)
	if !ok {
		return "", fmt.Errorf("download: no META directory with MRCONSO.RRF under %s", versionDir)
	}
	c.log.Info("release ready", "version", version, "meta_dir", metaDir)
	return metaDir, nil
}

func (c *Client) releaseInfo(ctx context.Context, version string) (Release, error) {
	raw, err := c.getJSON(ctx, c.cfg.BaseURL+"/releases?releaseType=umls-full-release")
	if err != nil {
		return Release{}, fmt.Errorf("download: list releases: %w", err)
	}
	var parsed releasesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Release{}, fmt.Errorf("download: decode releases: %w", err)
	}

	names := make([]string, 0, len(parsed.Result))
	for _, rel := range parsed.Result {
		if rel.Name == version {
			if strings.TrimSpace(rel.DownloadURL) == "" {
				return Release{}, fmt.Errorf("download: release %s has no download url", version)
			}
			return rel, nil
		}
		names = append(names, rel.Name)
	}
	return Release{}, fmt.Errorf("download: release %s not found (available: %s)", version, strings.Join(names, ", "))
}

func (c *Client) downloadZip(ctx context.Context, rel Release) (string, error) {
	zipName := "release.zip"
	if u, err := url.Parse(rel.DownloadURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			zipName = base
		}
	}
	dest := filepath.Join(c.cfg.DownloadDir, zipName)
	// The api key travels as a query parameter; never log this URL.
	downloadURL := fmt.Sprintf("%s/download?url=%s&apiKey=%s",
		c.cfg.BaseURL, url.QueryEscape(rel.DownloadURL), url.QueryEscape(c.cfg.APIKey))

	backoff := c.baseBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		c.log.Info("downloading release", "file", zipName, "attempt", attempt+1)
		sum, resp, err := c.downloadOnce(ctx, downloadURL, dest)
		if err == nil {
			if rel.MD5 != "" && !strings.EqualFold(sum, rel.MD5) {
				_ = os.Remove(dest)
				return "", fmt.Errorf("download: checksum mismatch for %s: got %s want %s", zipName, sum, rel.MD5)
			}
			if rel.MD5 == "" {
				c.log.Warn("release advertises no md5, skipping verification", "file", zipName)
			}
			return dest, nil
		}
		_ = os.Remove(dest)

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return "", fmt.Errorf("download: fetch %s: %w", zipName, err)
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("download failed, retrying",
			"file", zipName,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return "", errors.New("unreachable retry loop")
}

// downloadOnce streams one attempt to dest, returning the hex md5 of the
// bytes written. The published checksum is md5, hence its use here.
func (c *Client) downloadOnce(ctx context.Context, rawURL, dest string) (string, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", resp, err
	}
	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hash), resp.Body); err != nil {
		_ = f.Close()
		return "", resp, err
	}
	if err := f.Close(); err != nil {
		return "", resp, err
	}
	return hex.EncodeToString(hash.Sum(nil)), resp, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	backoff := c.baseBackoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.getOnce(ctx, rawURL)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 30*time.Second))
		c.log.Warn("UTS request retrying",
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return nil, errors.New("unreachable retry loop")
}

func (c *Client) getOnce(ctx context.Context, rawURL string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// findMetaDir locates the META directory under an extracted release. Archives
// differ: some put META at the root, some nest it one level down (e.g.
// 2025AA/META). MRCONSO.RRF is the marker that extraction completed.
func findMetaDir(versionDir string) (string, bool) {
	candidates := []string{filepath.Join(versionDir, "META")}
	if entries, err := os.ReadDir(versionDir); err == nil {
		for _, e := range entries {
			if e.IsDir() && e.Name() != "META" {
				candidates = append(candidates, filepath.Join(versionDir, e.Name(), "META"))
			}
		}
	}
	for _, dir := range candidates {
		if fi, err := os.Stat(filepath.Join(dir, "MRCONSO.RRF")); err == nil && !fi.IsDir() {
			return dir, true
		}
	}
	return "", false
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("download: open zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("download: create extraction dir: %w", err)
	}
	for _, f := range r.File {
		if err := extractOne(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, destDir string) error {
	dest := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("download: zip entry %q escapes extraction dir", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("download: read zip entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("download: extract %q: %w", f.Name, err)
	}
	return out.Close()
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "uts: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("uts http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}
