package publishing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/hashicorp/go-multierror"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/linkedin-studio/internal/models"
)

const (
	MaxImageBytes    = 10 << 20
	probeTimeout     = 10 * time.Second
	probeConcurrency = 4
	headerBytes      = 64 << 10 // enough for the header of every supported format
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageRules bound what a post image may be. Dimension checks need the image
// header to be downloaded and decoded, so they only run when EnforceDimensions is set.
type ImageRules struct {
	MaxBytes          int64
	EnforceDimensions bool
	MinWidth          int
	MinHeight         int
	// MaxAspect is the largest allowed long-side/short-side ratio.
	MaxAspect float64
}

func DefaultImageRules() ImageRules {
	return ImageRules{MaxBytes: MaxImageBytes, MinWidth: 200, MinHeight: 200, MaxAspect: 3}
}

// ImageValidator checks every URL of a post and reports all failures at once.
type ImageValidator interface {
	Validate(ctx context.Context, urls []string) error
}

type ImageProber struct {
	Client *http.Client
	Rules  ImageRules
}

// NewImageProber returns a prober whose HTTP client refuses private, loopback and
// link-local destinations.
func NewImageProber(rules ImageRules) *ImageProber {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(probeTimeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return &ImageProber{Client: safeurl.Client(cfg).Client, Rules: rules}
}

type imageMeta struct {
	contentType string
	size        int64
	header      []byte
}

// Validate probes the URLs concurrently. Each failing URL contributes one
// "url: reason" entry to the returned ImageValidationFailed error.
func (p *ImageProber) Validate(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	var (
		mu      sync.Mutex
		merr    *multierror.Error
		details = make([]string, len(urls))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			if err := p.check(gctx, u); err != nil {
				mu.Lock()
				details[i] = fmt.Sprintf("%s: %v", u, err)
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", u, err))
				mu.Unlock()
			}
			// a bad image never cancels the probes of the others
			return nil
		})
	}
	_ = g.Wait()

	if merr.ErrorOrNil() == nil {
		return nil
	}
	failed := make([]string, 0, len(details))
	for _, d := range details {
		if d != "" {
			failed = append(failed, d)
		}
	}
	return models.NewImageValidationError(failed, merr.ErrorOrNil())
}

func (p *ImageProber) check(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	meta, err := p.probe(ctx, rawURL)
	if err != nil {
		return err
	}
	if !allowedImageTypes[meta.contentType] {
		if meta.contentType == "" {
			return fmt.Errorf("missing content type")
		}
		return fmt.Errorf("unsupported content type %s", meta.contentType)
	}
	maxBytes := p.Rules.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	if meta.size > maxBytes {
		return fmt.Errorf("size %d exceeds %d bytes", meta.size, maxBytes)
	}
	if p.Rules.EnforceDimensions {
		return p.checkDimensions(meta.header)
	}
	return nil
}

// probe asks for metadata with HEAD and falls back to a ranged GET when the server
// rejects HEAD or omits the headers. With dimension checks on it always fetches the
// leading bytes.
func (p *ImageProber) probe(ctx context.Context, rawURL string) (*imageMeta, error) {
	if !p.Rules.EnforceDimensions {
		if meta, err := p.head(ctx, rawURL); err == nil && meta.contentType != "" && meta.size >= 0 {
			return meta, nil
		}
	}
	return p.rangedGet(ctx, rawURL)
}

func (p *ImageProber) head(ctx context.Context, rawURL string) (*imageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}
	return &imageMeta{contentType: mediaType(resp.Header.Get("Content-Type")), size: resp.ContentLength}, nil
}

func (p *ImageProber) rangedGet(ctx context.Context, rawURL string) (*imageMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", headerBytes-1))
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("unreachable")
	}
	defer resp.Body.Close()

	meta := &imageMeta{contentType: mediaType(resp.Header.Get("Content-Type")), size: -1}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		meta.size = totalFromContentRange(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		meta.size = resp.ContentLength
	default:
		return nil, fmt.Errorf("unreachable (status %d)", resp.StatusCode)
	}
	meta.header, _ = io.ReadAll(io.LimitReader(resp.Body, headerBytes))
	return meta, nil
}

func (p *ImageProber) checkDimensions(header []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(header))
	if err != nil {
		return fmt.Errorf("cannot read image dimensions")
	}
	if cfg.Width < p.Rules.MinWidth || cfg.Height < p.Rules.MinHeight {
		return fmt.Errorf("dimensions %dx%d below minimum %dx%d", cfg.Width, cfg.Height, p.Rules.MinWidth, p.Rules.MinHeight)
	}
	if p.Rules.MaxAspect > 0 {
		long, short := cfg.Width, cfg.Height
		if short > long {
			long, short = short, long
		}
		if short == 0 || float64(long)/float64(short) > p.Rules.MaxAspect {
			return fmt.Errorf("aspect ratio of %dx%d exceeds %.2f", cfg.Width, cfg.Height, p.Rules.MaxAspect)
		}
	}
	return nil
}

func (p *ImageProber) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(mt)
}

// totalFromContentRange reads the complete length from "bytes 0-99/12345".
// Returns -1 when the total is absent or "*".
func totalFromContentRange(v string) int64 {
	i := strings.LastIndex(v, "/")
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
