package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/msv-stihl/limpeza/internal/config"
)

// Browser drives the portal through a headless Chrome the way a human
// operator would: login form, company dropdown, date filter, export button.
// The export lands asynchronously in the staging directory.
type Browser struct {
	portal   config.PortalConfig
	cfg      config.CollectorConfig
	staging  string
	log      *zap.Logger
	navLimit time.Duration
}

// NewBrowser builds the browser-driven collector.
func NewBrowser(portal config.PortalConfig, cfg config.CollectorConfig, staging string, log *zap.Logger) *Browser {
	if log == nil {
		log = zap.NewNop()
	}
	navLimit := 30 * time.Second
	if d, err := time.ParseDuration(cfg.NavigationTimeout); err == nil && d > 0 {
		navLimit = d
	}
	return &Browser{portal: portal, cfg: cfg, staging: staging, log: log, navLimit: navLimit}
}

// Collect runs the full browser flow. On failure a screenshot of the last
// page state is saved next to the staging directory for operator diagnosis.
func (b *Browser) Collect(ctx context.Context) error {
	controlURL, err := launcher.New().Headless(b.cfg.Headless).Launch()
	if err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to launch chrome: %w", err)}
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to connect to chrome: %w", err)}
	}
	defer browser.Close()

	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:     proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath: b.staging,
	}).Call(browser); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to set download dir: %w", err)}
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to open page: %w", err)}
	}

	if err := b.login(ctx, page); err != nil {
		b.saveScreenshot(page)
		return err
	}
	if err := b.applyFilter(ctx, page); err != nil {
		b.saveScreenshot(page)
		return err
	}
	if err := b.requestExport(ctx, page); err != nil {
		b.saveScreenshot(page)
		return err
	}

	// Give the download request a moment to register before the browser
	// context is torn down; the pipeline polls the staging dir from here.
	time.Sleep(2 * time.Second)
	return nil
}

func (b *Browser) login(ctx context.Context, page *rod.Page) error {
	b.log.Info("logging in to portal", zap.String("url", b.portal.LoginURL()))

	if err := page.Context(ctx).Timeout(b.navLimit).Navigate(b.portal.LoginURL()); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to open login page: %w", err)}
	}
	if err := b.fill(ctx, page, "#client-email", b.portal.User); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: err}
	}
	if err := b.fill(ctx, page, "#client-password", b.portal.Password); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: err}
	}
	if err := b.click(ctx, page, "#client-submit"); err != nil {
		return &AcquisitionError{Stage: StageLogin, Err: err}
	}

	// The company dropdown appears after login; pick the configured one.
	if b.portal.Company != "" {
		if err := b.click(ctx, page, ".selectize-control.form-control.single"); err != nil {
			return &AcquisitionError{Stage: StageLogin, Err: err}
		}
		opt, err := page.Context(ctx).Timeout(b.navLimit).ElementR("div", b.portal.Company)
		if err != nil {
			return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("company option %q not found: %w", b.portal.Company, err)}
		}
		if err := opt.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return &AcquisitionError{Stage: StageLogin, Err: fmt.Errorf("failed to select company: %w", err)}
		}
	}
	return nil
}

func (b *Browser) applyFilter(ctx context.Context, page *rod.Page) error {
	if err := page.Context(ctx).Timeout(b.navLimit).Navigate(b.portal.ChecklistURL()); err != nil {
		return &AcquisitionError{Stage: StageFilter, Err: fmt.Errorf("failed to open checklist page: %w", err)}
	}

	first, last := monthRange(time.Now())
	script := fmt.Sprintf(`() => {
		document.getElementById("beginDate").value = %q;
		document.getElementById("beginDate").dispatchEvent(new Event('change'));
		document.getElementById("endDate").value = %q;
		document.getElementById("endDate").dispatchEvent(new Event('change'));
	}`, first.Format("02/01/2006"), last.Format("02/01/2006"))

	if _, err := page.Context(ctx).Eval(script); err != nil {
		return &AcquisitionError{Stage: StageFilter, Err: fmt.Errorf("failed to set date range: %w", err)}
	}
	if err := b.click(ctx, page, "#button-filter"); err != nil {
		return &AcquisitionError{Stage: StageFilter, Err: err}
	}
	b.log.Info("filter applied",
		zap.String("from", first.Format("2006-01-02")),
		zap.String("to", last.Format("2006-01-02")))
	return nil
}

func (b *Browser) requestExport(ctx context.Context, page *rod.Page) error {
	if err := b.click(ctx, page, "#button-export-excel"); err != nil {
		return &AcquisitionError{Stage: StageExport, Err: err}
	}
	b.log.Info("export requested", zap.String("staging", b.staging))
	return nil
}

func (b *Browser) fill(ctx context.Context, page *rod.Page, selector, value string) error {
	el, err := page.Context(ctx).Timeout(b.navLimit).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (b *Browser) click(ctx context.Context, page *rod.Page, selector string) error {
	el, err := page.Context(ctx).Timeout(b.navLimit).Element(selector)
	if err != nil {
		return fmt.Errorf("element %s not found: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

// saveScreenshot captures the page for diagnosis; best effort only.
func (b *Browser) saveScreenshot(page *rod.Page) {
	shot, err := page.Screenshot(true, nil)
	if err != nil {
		b.log.Warn("failed to capture error screenshot", zap.Error(err))
		return
	}
	path := filepath.Join(filepath.Dir(b.staging), "erro_screenshot.png")
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		b.log.Warn("failed to save error screenshot", zap.Error(err))
		return
	}
	b.log.Info("error screenshot saved", zap.String("path", path))
}
