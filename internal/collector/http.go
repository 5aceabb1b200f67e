package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/msv-stihl/limpeza/internal/config"
)

// HTTP talks to the portal directly with a cookie-jar session instead of a
// browser. Suitable for cron hosts without Chrome; the export response is
// written straight into the staging directory.
type HTTP struct {
	portal  config.PortalConfig
	staging string
	client  *http.Client
	agent   string
	log     *zap.Logger
}

// NewHTTP builds the HTTP-driven collector.
func NewHTTP(portal config.PortalConfig, cfg config.CollectorConfig, staging string, log *zap.Logger) (*HTTP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &HTTP{
		portal:  portal,
		staging: staging,
		client:  &http.Client{Jar: jar, Timeout: 60 * time.Second},
		agent:   cfg.UserAgent,
		log:     log,
	}, nil
}

// Collect performs login, filter and export over plain HTTP and writes the
// downloaded batch into the staging directory.
func (h *HTTP) Collect(ctx context.Context) error {
	token, err := h.login(ctx)
	if err != nil {
		return err
	}
	if err := h.applyFilter(ctx, token); err != nil {
		return err
	}
	return h.downloadExport(ctx, token)
}

// login fetches the login page for its CSRF token and posts the credential
// form. The session cookie lives in the client's jar afterwards.
func (h *HTTP) login(ctx context.Context) (string, error) {
	h.log.Info("logging in to portal", zap.String("url", h.portal.LoginURL()))

	body, err := h.get(ctx, h.portal.LoginURL())
	if err != nil {
		return "", &AcquisitionError{Stage: StageLogin, Err: err}
	}
	token := csrfToken(body)

	form := url.Values{
		"client-email":    {h.portal.User},
		"client-password": {h.portal.Password},
	}
	if token != "" {
		form.Set("_token", token)
	}
	if _, err := h.postForm(ctx, h.portal.LoginURL(), form); err != nil {
		return "", &AcquisitionError{Stage: StageLogin, Err: err}
	}
	return token, nil
}

func (h *HTTP) applyFilter(ctx context.Context, token string) error {
	body, err := h.get(ctx, h.portal.ChecklistURL())
	if err != nil {
		return &AcquisitionError{Stage: StageFilter, Err: err}
	}
	if t := csrfToken(body); t != "" {
		token = t
	}

	first, last := monthRange(time.Now())
	form := h.filterForm(first, last, token)
	if _, err := h.postForm(ctx, h.portal.ChecklistURL(), form); err != nil {
		return &AcquisitionError{Stage: StageFilter, Err: err}
	}
	h.log.Info("filter applied",
		zap.String("from", first.Format("2006-01-02")),
		zap.String("to", last.Format("2006-01-02")))
	return nil
}

func (h *HTTP) downloadExport(ctx context.Context, token string) error {
	first, last := monthRange(time.Now())
	form := h.filterForm(first, last, token)
	form.Set("format", "excel")

	data, err := h.postForm(ctx, h.portal.ExportURL(), form)
	if err != nil {
		return &AcquisitionError{Stage: StageExport, Err: err}
	}
	if len(data) == 0 {
		return &AcquisitionError{Stage: StageExport, Err: fmt.Errorf("export returned an empty body")}
	}

	if err := os.MkdirAll(h.staging, 0o755); err != nil {
		return &AcquisitionError{Stage: StageDownload, Err: err}
	}
	name := fmt.Sprintf("checklist_%s.xlsx", time.Now().Format("20060102_150405"))
	path := filepath.Join(h.staging, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &AcquisitionError{Stage: StageDownload, Err: err}
	}
	h.log.Info("export downloaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (h *HTTP) filterForm(first, last time.Time, token string) url.Values {
	form := url.Values{
		"beginDate": {first.Format("2006-01-02")},
		"endDate":   {last.Format("2006-01-02")},
		"company":   {h.portal.Company},
	}
	if token != "" {
		form.Set("_token", token)
	}
	return form
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.agent)
	return h.do(req)
}

func (h *HTTP) postForm(ctx context.Context, u string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.agent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func (h *HTTP) do(req *http.Request) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned %s", req.Method, req.URL.Path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// csrfToken scans an HTML document for a hidden _token input. Returns ""
// when the page carries none; the portal accepts forms without it then.
func csrfToken(page []byte) string {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return ""
	}
	var token string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if token != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "input" {
			var name, value string
			for _, a := range n.Attr {
				switch a.Key {
				case "name":
					name = a.Val
				case "value":
					value = a.Val
				}
			}
			if name == "_token" {
				token = value
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return token
}
