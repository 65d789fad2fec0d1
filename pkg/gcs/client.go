package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jacktea/gcsfs/pkg/auth"
	"github.com/jacktea/gcsfs/pkg/gcsurl"
	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// Default API roots. Tests point these at a local fake.
const (
	defaultJSONEndpoint   = "https://www.googleapis.com/storage/v1"
	defaultMediaEndpoint  = "https://storage.googleapis.com"
	defaultUploadEndpoint = "https://www.googleapis.com/upload/storage/v1"
)

// TimeoutConfig carries the (connect, idle, operation) timeout triple.
// Connect and idle apply to the transport; the per-category values bound
// whole operations through context deadlines.
type TimeoutConfig struct {
	Connect  time.Duration
	Idle     time.Duration
	Metadata time.Duration
	Read     time.Duration
	Write    time.Duration
}

// RetryConfig bounds the retry loop wrapped around every request.
type RetryConfig struct {
	MaxAttempts int
	InitDelay   time.Duration
}

type requestCategory int

const (
	categoryMetadata requestCategory = iota
	categoryRead
	categoryWrite
)

// client issues authenticated requests against the Cloud Storage JSON,
// media, and upload endpoints. It is safe for concurrent use; every request
// object is confined to a single goroutine.
type client struct {
	http       *http.Client
	tokens     auth.TokenProvider
	timeouts   TimeoutConfig
	retry      RetryConfig
	limiter    *rate.Limiter
	extraName  string
	extraValue string
	jsonRoot   string
	mediaRoot  string
	uploadRoot string
}

func newClient(opts Options) *client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: opts.Timeouts.Connect,
				}).DialContext,
				IdleConnTimeout: opts.Timeouts.Idle,
			},
		}
	}
	name, value := splitAdditionalHeader(opts.AdditionalHeader)
	c := &client{
		http:       httpClient,
		tokens:     opts.TokenProvider,
		timeouts:   opts.Timeouts,
		retry:      opts.Retry,
		limiter:    opts.Throttle,
		extraName:  name,
		extraValue: value,
		jsonRoot:   opts.JSONEndpoint,
		mediaRoot:  opts.MediaEndpoint,
		uploadRoot: opts.UploadEndpoint,
	}
	if c.jsonRoot == "" {
		c.jsonRoot = defaultJSONEndpoint
	}
	if c.mediaRoot == "" {
		c.mediaRoot = defaultMediaEndpoint
	}
	if c.uploadRoot == "" {
		c.uploadRoot = defaultUploadEndpoint
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = defaultRetryAttempts
	}
	return c
}

// splitAdditionalHeader parses "Name:Value". Malformed specs (missing
// colon, empty name or value) are ignored.
func splitAdditionalHeader(spec string) (string, string) {
	name, value, ok := strings.Cut(spec, ":")
	if !ok || name == "" || value == "" {
		return "", ""
	}
	return name, value
}

func (c *client) categoryTimeout(cat requestCategory) time.Duration {
	switch cat {
	case categoryRead:
		return c.timeouts.Read
	case categoryWrite:
		return c.timeouts.Write
	default:
		return c.timeouts.Metadata
	}
}

// httpError carries the raw status of a failed request so callers can
// branch on specific codes (e.g. the resumable-upload 308/410 protocol).
type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("important HTTP error %d", e.status)
}

// statusCode extracts the HTTP status from err's chain, or 0.
func statusCode(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.status
	}
	return 0
}

func statusToKind(status int) xerrors.Kind {
	switch {
	case status == 308:
		// Resume Incomplete: the upload protocol's "keep going" answer.
		return xerrors.KindUnavailable
	case status == http.StatusBadRequest:
		return xerrors.KindInvalidArgument
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.KindPermission
	case status == http.StatusNotFound || status == http.StatusGone:
		return xerrors.KindNotFound
	case status == http.StatusRequestedRangeNotSatisfiable:
		return xerrors.KindOutOfRange
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return xerrors.KindUnavailable
	case status >= 500:
		return xerrors.KindUnavailable
	default:
		return xerrors.KindInternal
	}
}

func statusError(status int) error {
	return xerrors.Wrap(statusToKind(status), "", "", &httpError{status: status})
}

// do sends one request: throttle admission, bearer token, optional extra
// header, category timeout. The caller owns the response body.
func (c *client) do(ctx context.Context, cat requestCategory, method, url string, header http.Header, body io.Reader) (*http.Response, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.KindUnavailable, "throttle", url, err)
		}
	}
	cancel := context.CancelFunc(func() {})
	if timeout := c.categoryTimeout(cat); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.extraName != "" {
		req.Header.Set(c.extraName, c.extraValue)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, xerrors.Wrap(xerrors.KindUnavailable, "", url, err)
	}
	return resp, cancel, nil
}

// doJSON sends a request and decodes a JSON response body into out (when
// non-nil). Non-2xx statuses become status errors.
func (c *client) doJSON(ctx context.Context, cat requestCategory, method, url string, header http.Header, body io.Reader, out any) error {
	resp, cancel, err := c.do(ctx, cat, method, url, header, body)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return statusError(resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnavailable, "", url, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "", url, err)
	}
	return nil
}

const defaultRetryAttempts = 10

// withRetry runs f up to the configured attempt budget, backing off
// exponentially between attempts. Non-retriable errors surface immediately;
// exhaustion reports the last failure under an aborted error.
func (c *client) withRetry(ctx context.Context, f func() error) error {
	delay := c.retry.InitDelay
	var last error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			if delay < 32*time.Second {
				delay *= 2
			}
		}
		last = f()
		if last == nil || !xerrors.IsRetriable(last) {
			return last
		}
	}
	return xerrors.Errorf(xerrors.KindAborted,
		"All %d retry attempts failed. The last failure: %v", c.retry.MaxAttempts, last)
}

// objectMetadata mirrors the fields requested from the objects endpoint.
type objectMetadata struct {
	Size       uint64    `json:"size,string"`
	Generation int64     `json:"generation,string"`
	Updated    time.Time `json:"updated"`
}

func (c *client) getObjectMetadata(ctx context.Context, bucket, object string) (objectMetadata, error) {
	url := fmt.Sprintf("%s/b/%s/o/%s?fields=size%%2Cgeneration%%2Cupdated",
		c.jsonRoot, bucket, gcsurl.EncodeObject(object))
	var meta objectMetadata
	err := c.withRetry(ctx, func() error {
		meta = objectMetadata{}
		return c.doJSON(ctx, categoryMetadata, http.MethodGet, url, nil, nil, &meta)
	})
	return meta, err
}

type bucketMetadata struct {
	Location string `json:"location"`
}

func (c *client) getBucketMetadata(ctx context.Context, bucket string) (bucketMetadata, error) {
	url := fmt.Sprintf("%s/b/%s", c.jsonRoot, bucket)
	var meta bucketMetadata
	err := c.withRetry(ctx, func() error {
		meta = bucketMetadata{}
		return c.doJSON(ctx, categoryMetadata, http.MethodGet, url, nil, nil, &meta)
	})
	return meta, err
}

type listQuery struct {
	prefix     string // already slash-normalized; empty lists the bucket root
	delimited  bool   // delimiter=/ plus the prefixes field
	maxResults int    // 0 means server default
	pageToken  string
}

type listItem struct {
	Name string `json:"name"`
}

type listPage struct {
	Items         []listItem `json:"items"`
	Prefixes      []string   `json:"prefixes"`
	NextPageToken string     `json:"nextPageToken"`
}

func (c *client) listObjects(ctx context.Context, bucket string, q listQuery) (listPage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/b/%s/o?fields=", c.jsonRoot, bucket)
	if q.delimited {
		b.WriteString("items%2Fname%2Cprefixes%2CnextPageToken&delimiter=%2F")
	} else {
		b.WriteString("items%2Fname%2CnextPageToken")
	}
	if q.prefix != "" {
		b.WriteString("&prefix=" + gcsurl.EncodeObject(q.prefix))
	}
	if q.maxResults > 0 {
		b.WriteString("&maxResults=" + strconv.Itoa(q.maxResults))
	}
	if q.pageToken != "" {
		b.WriteString("&pageToken=" + gcsurl.EncodeObject(q.pageToken))
	}
	url := b.String()
	var page listPage
	err := c.withRetry(ctx, func() error {
		page = listPage{}
		return c.doJSON(ctx, categoryMetadata, http.MethodGet, url, nil, nil, &page)
	})
	return page, err
}

// readObjectRange fetches [offset, offset+len(dst)) of the object's media
// into dst and reports the byte count. Ranges past EOF read zero bytes.
func (c *client) readObjectRange(ctx context.Context, bucket, object string, offset int64, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	url := fmt.Sprintf("%s/%s/%s", c.mediaRoot, bucket, gcsurl.EncodeObject(object))
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(dst))-1))
	n := 0
	err := c.withRetry(ctx, func() error {
		resp, cancel, err := c.do(ctx, categoryRead, http.MethodGet, url, header, nil)
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			io.Copy(io.Discard, resp.Body)
			n = 0
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
			return statusError(resp.StatusCode)
		}
		n = 0
		for n < len(dst) {
			m, err := resp.Body.Read(dst[n:])
			n += m
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return xerrors.Wrap(xerrors.KindUnavailable, "read", url, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *client) deleteObject(ctx context.Context, bucket, object string) error {
	url := fmt.Sprintf("%s/b/%s/o/%s", c.jsonRoot, bucket, gcsurl.EncodeObject(object))
	return c.withRetry(ctx, func() error {
		return c.doJSON(ctx, categoryMetadata, http.MethodDelete, url, nil, nil, nil)
	})
}

// rewriteObject copies src to dst server side. The single-shot protocol is
// required: a response with done=false is not supported.
func (c *client) rewriteObject(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) error {
	url := fmt.Sprintf("%s/b/%s/o/%s/rewriteTo/b/%s/o/%s",
		c.jsonRoot, srcBucket, gcsurl.EncodeObject(srcObject),
		dstBucket, gcsurl.EncodeObject(dstObject))
	var result struct {
		Done bool `json:"done"`
	}
	err := c.withRetry(ctx, func() error {
		result.Done = false
		return c.doJSON(ctx, categoryMetadata, http.MethodPost, url, nil, nil, &result)
	})
	if err != nil {
		return err
	}
	if !result.Done {
		return xerrors.Errorf(xerrors.KindUnimplemented,
			"Multipart rewrites are not supported (%s to %s)", srcObject, dstObject)
	}
	return nil
}

// createUploadSession initiates a resumable upload and returns the session
// URI from the Location response header.
func (c *client) createUploadSession(ctx context.Context, bucket, object string, totalLength int64) (string, error) {
	url := fmt.Sprintf("%s/b/%s/o?uploadType=resumable&name=%s",
		c.uploadRoot, bucket, gcsurl.EncodeObject(object))
	header := http.Header{}
	header.Set("X-Upload-Content-Length", strconv.FormatInt(totalLength, 10))
	var session string
	err := c.withRetry(ctx, func() error {
		resp, cancel, err := c.do(ctx, categoryMetadata, http.MethodPost, url, header, nil)
		if err != nil {
			return err
		}
		defer cancel()
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(resp.StatusCode)
		}
		session = resp.Header.Get("Location")
		if session == "" {
			return xerrors.Errorf(xerrors.KindInternal,
				"upload initiation response carries no session URI")
		}
		return nil
	})
	return session, err
}

// uploadChunk PUTs body[start:] to the session with the matching
// Content-Range. Any non-2xx status is returned as a status error.
func (c *client) uploadChunk(ctx context.Context, session string, body []byte, start, total int64) error {
	header := http.Header{}
	if total > 0 {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
	}
	resp, cancel, err := c.do(ctx, categoryWrite, http.MethodPut, session, header, bytes.NewReader(body[start:]))
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode)
	}
	return nil
}

// uploadStatus is the decoded outcome of a status probe.
type uploadStatus struct {
	complete bool
	uploaded int64 // bytes the server has committed
	restart  bool  // session is gone; re-initiate
}

// probeUploadStatus asks the session how many bytes were committed using an
// empty PUT with "Content-Range: bytes */L".
func (c *client) probeUploadStatus(ctx context.Context, session string, total int64) (uploadStatus, error) {
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
	resp, cancel, err := c.do(ctx, categoryMetadata, http.MethodPut, session, header, nil)
	if err != nil {
		return uploadStatus{}, err
	}
	defer cancel()
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The upload already finished; get-status counts as success.
		return uploadStatus{complete: true}, nil
	case resp.StatusCode == 308:
		committed, ok := parseCommittedRange(resp.Header.Get("Range"))
		if !ok {
			// No range header: nothing was committed, restart from zero.
			return uploadStatus{uploaded: 0}, nil
		}
		return uploadStatus{uploaded: committed}, nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return uploadStatus{restart: true}, nil
	default:
		return uploadStatus{}, statusError(resp.StatusCode)
	}
}

// parseCommittedRange decodes a 308 Range header of the form "bytes=A-B"
// or "A-B" and returns B+1, the number of committed bytes.
func parseCommittedRange(value string) (int64, bool) {
	value = strings.TrimPrefix(value, "bytes=")
	first, last, ok := strings.Cut(value, "-")
	if !ok || first == "" || last == "" {
		return 0, false
	}
	if _, err := strconv.ParseInt(first, 10, 64); err != nil {
		return 0, false
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, false
	}
	return end + 1, true
}
