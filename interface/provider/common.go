package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/pquerna/otp/totp"

	"github.com/earthscan/sand/common"
	"github.com/earthscan/sand/service"
	"github.com/earthscan/sand/service/log"
)

// fetchOptions customize the shared grab transfer
type fetchOptions struct {
	user, pword         string
	header, headerValue string
	copyAuthOnRedirect  bool
	noResume            bool
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Add("Authorization", auth[0])
	}
	return nil
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

// fetchURL streams the resource to destPath, resuming a partial destPath when
// the server honors byte ranges. HTTP status is mapped onto the retry
// taxonomy: 401/403 come back as expired auth, 404 as product-not-found and
// transient statuses as temporary errors.
func fetchURL(ctx context.Context, rawURL, destPath, displayName string, opts fetchOptions) error {
	req, err := grab.NewRequest(destPath, rawURL)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("fetch[%s].NewRequest: %w", displayName, err))
	}
	req = req.WithContext(ctx)
	req.NoResume = opts.noResume
	if opts.user != "" {
		req.HTTPRequest.SetBasicAuth(opts.user, opts.pword)
	}
	if opts.header != "" {
		req.HTTPRequest.Header.Set(opts.header, opts.headerValue)
	}

	client := grab.NewClient()
	if opts.copyAuthOnRedirect {
		client.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth
	}
	resp := client.Do(req)

	displayProgress(ctx, displayName, resp, 0.05)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("fetch[%s]: %w", displayName, err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		switch code := resp.HTTPResponse.StatusCode; {
		case code == 401 || code == 403:
			return &AuthError{Provider: displayName, Expired: true, Err: err}
		case code == 404:
			return ErrProductNotFound{displayName}
		case service.TemporaryCode(code):
			return service.MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}

// totpCode derives the current one-time code from a shared secret. Computed
// at each authentication, never cached.
func totpCode(secret string) (string, error) {
	code, err := totp.GenerateCode(strings.ToUpper(strings.ReplaceAll(secret, " ", "")), time.Now())
	if err != nil {
		return "", service.MakeFatal(fmt.Errorf("totpCode: %w", err))
	}
	return code, nil
}

// parseTime accepts the diverse timestamp flavors found in catalog payloads
// and in product name fields
func parseTime(s string) (time.Time, error) {
	return common.ParseTime(s)
}

// dirSize sums the file sizes under a directory
func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// urlWithQuery appends the given query values to a base url
func urlWithQuery(base string, values url.Values) string {
	if len(values) == 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + values.Encode()
}
