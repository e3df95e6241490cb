package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odvcencio/commit-headless/pkg/object"
)

// Response limits per request type.
const (
	responseLimitRefs   = 8 << 20   // 8MB
	responseLimitPack   = 512 << 20 // 512MB
	responseLimitStatus = 2 << 20   // 2MB
)

// SmartHTTP speaks the git smart-HTTP protocol (v0, stateless RPC).
// Fetched objects are cached in memory for the life of the value; pushed
// objects are staged and sent with the ref update in a single receive-pack
// request.
type SmartHTTP struct {
	target Target
	opts   Options
	client *http.Client
	log    *slog.Logger

	store     *object.MemStore
	staged    []object.Record
	stagedSet map[object.Hash]bool

	uploadCaps  *Capabilities
	receiveCaps *Capabilities
}

var _ Remote = (*SmartHTTP)(nil)

// NewSmartHTTP creates a smart-HTTP client for target.
func NewSmartHTTP(target Target, opts Options) *SmartHTTP {
	opts = opts.withDefaults()
	return &SmartHTTP{
		target:    target,
		opts:      opts,
		client:    newHTTPClient(target, opts),
		log:       opts.Logger.With("transport", "git", "target", target.String()),
		store:     object.NewMemStore(),
		stagedSet: make(map[object.Hash]bool),
	}
}

// Target returns the parsed target.
func (c *SmartHTTP) Target() Target {
	return c.target
}

// ResolveRef returns the tip of refs/heads/<branch>.
func (c *SmartHTTP) ResolveRef(ctx context.Context, branch string) (object.Hash, error) {
	refs, err := c.discover(ctx, serviceReceivePack)
	if err != nil {
		return "", err
	}
	h, ok := refs[branchRef(branch)]
	if !ok {
		return "", &NotFoundError{Target: c.target.String(), Branch: branch}
	}
	return h, nil
}

// LoadCommit returns a commit, fetching it together with its trees when it
// is not cached.
func (c *SmartHTTP) LoadCommit(ctx context.Context, h object.Hash) (*object.CommitObj, error) {
	if !c.store.Has(h) {
		if err := c.fetch(ctx, h, true); err != nil {
			return nil, err
		}
	}
	data, err := c.cached(h, object.TypeCommit)
	if err != nil {
		return nil, err
	}
	return object.UnmarshalCommit(data)
}

// LoadTree returns a tree. Trees of a fetched commit are normally cached
// already; anything else is fetched on demand.
func (c *SmartHTTP) LoadTree(ctx context.Context, h object.Hash) (*object.TreeObj, error) {
	if !c.store.Has(h) {
		if err := c.fetch(ctx, h, false); err != nil {
			return nil, err
		}
	}
	data, err := c.cached(h, object.TypeTree)
	if err != nil {
		return nil, err
	}
	return object.UnmarshalTree(data)
}

func (c *SmartHTTP) cached(h object.Hash, want object.ObjectType) ([]byte, error) {
	rec, ok := c.store.Lookup(h)
	if !ok {
		return nil, &NotFoundError{Target: c.target.String(), Object: h}
	}
	if rec.Type != want {
		return nil, fmt.Errorf("object %s is a %s, not a %s", h, rec.Type, want)
	}
	return rec.Data, nil
}

// PushObjects stages records for the next UpdateRef.
func (c *SmartHTTP) PushObjects(ctx context.Context, records []object.Record) error {
	for _, rec := range records {
		computed := object.HashObject(rec.Type, rec.Data)
		if computed != rec.Hash {
			return fmt.Errorf("object hash mismatch for %s: computed %s", rec.Hash, computed)
		}
		if c.stagedSet[rec.Hash] {
			continue
		}
		c.stagedSet[rec.Hash] = true
		c.staged = append(c.staged, rec)
	}
	c.log.DebugContext(ctx, "staged objects", "count", len(records), "total", len(c.staged))
	return nil
}

// UpdateRef sends the compare-and-swap command and the staged pack in one
// receive-pack request.
func (c *SmartHTTP) UpdateRef(ctx context.Context, update RefUpdate) (object.Hash, error) {
	if update.New.IsZero() {
		return "", fmt.Errorf("update %s: new hash is required", update.Branch)
	}
	if c.receiveCaps == nil {
		if _, err := c.discover(ctx, serviceReceivePack); err != nil {
			return "", err
		}
	}
	old := update.Old
	if update.Create || old.IsZero() {
		old = object.ZeroHash
	}

	caps := c.receiveCaps.Request("report-status", "side-band-64k", "agent="+c.opts.UserAgent)
	var body bytes.Buffer
	cmd := fmt.Sprintf("%s %s %s\x00%s\n", old, update.New, branchRef(update.Branch), strings.Join(caps, " "))
	if err := appendPktString(&body, cmd); err != nil {
		return "", err
	}
	appendFlush(&body)
	pack, err := object.EncodePack(c.staged)
	if err != nil {
		return "", fmt.Errorf("encode pack: %w", err)
	}
	body.Write(pack)

	c.log.DebugContext(ctx, "receive-pack", "branch", update.Branch, "old", old.Short(), "new", update.New.Short(), "objects", len(c.staged), "bytes", body.Len())

	resp, err := c.post(ctx, serviceReceivePack, body.Bytes(), responseLimitStatus)
	if err != nil {
		return "", err
	}
	if c.receiveCaps.Has("report-status") {
		if err := c.readReport(resp, update); err != nil {
			return "", err
		}
	}

	c.staged = nil
	c.stagedSet = make(map[object.Hash]bool)
	return update.New, nil
}

func (c *SmartHTTP) readReport(resp []byte, update RefUpdate) error {
	var r io.Reader = bytes.NewReader(resp)
	if c.receiveCaps.Has("side-band-64k") {
		status, err := io.ReadAll(NewSidebandDataReader(r, c.progress))
		if err != nil {
			return err
		}
		r = bytes.NewReader(status)
	}

	pr := newPktReader(r)
	line, err := pr.readPktString()
	if err != nil {
		return fmt.Errorf("read report-status: %w", err)
	}
	if unpack, ok := strings.CutPrefix(line, "unpack "); !ok {
		return fmt.Errorf("unexpected report-status line %q", line)
	} else if unpack != "ok" {
		return &RemoteRejected{Ref: branchRef(update.Branch), Message: "unpack failed: " + unpack}
	}

	ref := branchRef(update.Branch)
	for {
		line, err := pr.readPktString()
		if errors.Is(err, errFlush) || errors.Is(err, io.EOF) {
			return fmt.Errorf("report-status has no result for %s", ref)
		}
		if err != nil {
			return fmt.Errorf("read report-status: %w", err)
		}
		if rest, ok := strings.CutPrefix(line, "ok "); ok && rest == ref {
			return nil
		}
		if rest, ok := strings.CutPrefix(line, "ng "); ok {
			name, reason, _ := strings.Cut(rest, " ")
			if name == ref {
				return classifyRefFailure(update, reason)
			}
		}
	}
}

// fetch downloads want (and, for commits, its trees) into the cache.
func (c *SmartHTTP) fetch(ctx context.Context, want object.Hash, isCommit bool) error {
	if c.uploadCaps == nil {
		if _, err := c.discover(ctx, serviceUploadPack); err != nil {
			return err
		}
	}
	deepen := isCommit && c.uploadCaps.Has("shallow")
	filter := c.uploadCaps.Has("filter")
	wanted := []string{"side-band-64k", "ofs-delta", "no-progress"}
	// upload-pack refuses deepen and filter lines whose capability was not
	// requested on the first want line.
	if deepen {
		wanted = append(wanted, "shallow")
	}
	if filter {
		wanted = append(wanted, "filter")
	}
	caps := c.uploadCaps.Request(append(wanted, "agent="+c.opts.UserAgent)...)

	var body bytes.Buffer
	if err := appendPktString(&body, fmt.Sprintf("want %s %s\n", want, strings.Join(caps, " "))); err != nil {
		return err
	}
	if deepen {
		_ = appendPktString(&body, "deepen 1\n")
	}
	if filter {
		_ = appendPktString(&body, "filter blob:none\n")
	}
	appendFlush(&body)
	_ = appendPktString(&body, "done\n")

	resp, err := c.post(ctx, serviceUploadPack, body.Bytes(), responseLimitPack)
	if err != nil {
		return err
	}

	r := bytes.NewReader(resp)
	pr := newPktReader(r)
	if deepen {
		for {
			line, err := pr.readPktString()
			if errors.Is(err, errFlush) {
				break
			}
			if err != nil {
				return fmt.Errorf("read shallow-info: %w", err)
			}
			if err := c.uploadError(line, want); err != nil {
				return err
			}
		}
	}
	line, err := pr.readPktString()
	if err != nil {
		return fmt.Errorf("read upload-pack acknowledgement: %w", err)
	}
	if err := c.uploadError(line, want); err != nil {
		return err
	}
	if line != "NAK" && !strings.HasPrefix(line, "ACK ") {
		return fmt.Errorf("unexpected upload-pack line %q", line)
	}

	var packReader io.Reader = r
	if c.uploadCaps.Has("side-band-64k") {
		packReader = NewSidebandDataReader(r, c.progress)
	}
	pf, err := object.ReadPackFromReader(packReader, c.store.Lookup)
	if err != nil {
		return fmt.Errorf("read fetched pack: %w", err)
	}
	records, err := pf.Records()
	if err != nil {
		return fmt.Errorf("read fetched pack: %w", err)
	}
	for _, rec := range records {
		c.store.Put(rec)
	}
	c.log.DebugContext(ctx, "fetched objects", "want", want.Short(), "count", len(records))
	return nil
}

func (c *SmartHTTP) uploadError(line string, want object.Hash) error {
	msg, ok := strings.CutPrefix(line, "ERR ")
	if !ok {
		return nil
	}
	if strings.Contains(msg, "not our ref") || strings.Contains(msg, "not found") {
		return &NotFoundError{Target: c.target.String(), Object: want}
	}
	return &RemoteRejected{Message: msg}
}

func (c *SmartHTTP) progress(msg string) {
	if msg != "" {
		c.log.Debug("remote", "progress", msg)
	}
}

// discover performs ref advertisement for service and caches its
// capabilities.
func (c *SmartHTTP) discover(ctx context.Context, service string) (map[string]object.Hash, error) {
	url := c.target.URL + "/info/refs?service=" + service
	var body []byte
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/x-"+service+"-advertisement")
		resp, err := c.do(req, "discover refs", responseLimitRefs)
		if err != nil {
			return err
		}
		if ct := resp.contentType; ct != "application/x-"+service+"-advertisement" {
			return &RemoteRejected{Message: fmt.Sprintf("%s does not speak the git smart-HTTP protocol (content type %q)", c.target.URL, ct)}
		}
		body = resp.body
		return nil
	})
	if err != nil {
		return nil, err
	}

	refs, caps, err := parseAdvertisement(body, service)
	if err != nil {
		return nil, err
	}
	switch service {
	case serviceUploadPack:
		c.uploadCaps = &caps
	case serviceReceivePack:
		c.receiveCaps = &caps
	}
	c.log.DebugContext(ctx, "discovered refs", "service", service, "refs", len(refs), "capabilities", caps.String())
	return refs, nil
}

func parseAdvertisement(body []byte, service string) (map[string]object.Hash, Capabilities, error) {
	pr := newPktReader(bytes.NewReader(body))
	first, err := pr.readPktString()
	if err != nil {
		return nil, Capabilities{}, fmt.Errorf("read advertisement: %w", err)
	}
	if first != "# service="+service {
		return nil, Capabilities{}, fmt.Errorf("unexpected advertisement header %q", first)
	}
	if _, err := pr.readPktLine(); !errors.Is(err, errFlush) {
		return nil, Capabilities{}, fmt.Errorf("advertisement header not followed by flush")
	}

	refs := make(map[string]object.Hash)
	caps := ParseCapabilities("")
	for i := 0; ; i++ {
		line, err := pr.readPktString()
		if errors.Is(err, errFlush) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Capabilities{}, fmt.Errorf("read advertisement: %w", err)
		}
		if msg, ok := strings.CutPrefix(line, "ERR "); ok {
			return nil, Capabilities{}, &RemoteRejected{Message: msg}
		}
		if i == 0 {
			var rawCaps string
			line, rawCaps, _ = strings.Cut(line, "\x00")
			caps = ParseCapabilities(rawCaps)
		}
		hash, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, Capabilities{}, fmt.Errorf("malformed ref advertisement %q", line)
		}
		if name == "capabilities^{}" {
			continue
		}
		h, err := object.ParseHash(hash)
		if err != nil {
			return nil, Capabilities{}, fmt.Errorf("invalid hash for ref %q: %w", name, err)
		}
		refs[name] = h
	}
	return refs, caps, nil
}

// post sends a stateless-RPC request, gzip encoding large bodies.
func (c *SmartHTTP) post(ctx context.Context, service string, payload []byte, limit int64) ([]byte, error) {
	encoding := ""
	if c.opts.CompressThreshold > 0 && len(payload) > c.opts.CompressThreshold {
		compressed, err := compressGzip(payload)
		if err != nil {
			return nil, fmt.Errorf("compress request: %w", err)
		}
		payload = compressed
		encoding = "gzip"
	}

	var body []byte
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target.URL+"/"+service, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-"+service+"-request")
		req.Header.Set("Accept", "application/x-"+service+"-result")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		resp, err := c.do(req, service, limit)
		if err != nil {
			return err
		}
		body = resp.body
		return nil
	})
	return body, err
}

type httpResult struct {
	contentType string
	body        []byte
}

// do executes one attempt and maps failures to the error taxonomy.
func (c *SmartHTTP) do(req *http.Request, op string, limit int64) (*httpResult, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if isGzipEncoded(resp.Header.Get("Content-Encoding")) {
		zr, err := newGzipReader(resp.Body)
		if err != nil {
			return nil, &NetworkError{Op: op, Err: err}
		}
		defer zr.Close()
		r = zr
	}
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, c.target.String(), resp.StatusCode, body, parseRetryAfter(resp.Header))
	}
	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return &httpResult{contentType: strings.TrimSpace(ct), body: body}, nil
}
