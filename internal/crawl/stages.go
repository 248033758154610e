package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"go-mirror/internal/cache"
	"go-mirror/internal/extract"
	"go-mirror/internal/fetch"
	"go-mirror/internal/mediatype"
	"go-mirror/internal/mirrorpath"
	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/urlnorm"
)

func payloadOf[T model.Payload](job *model.Job) (T, error) {
	p, ok := job.Payload().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %T in %s stage", pipeline.ErrPayloadMismatch, job.Payload(), job.Stage)
	}
	return p, nil
}

// stopped reports whether a dispatch failed only because the pipeline is
// shutting down.
func stopped(err error) bool {
	return errors.Is(err, pipeline.ErrShutdown) || errors.Is(err, pipeline.ErrStageClosed)
}

// -------------------------REQUEST--------------------------

func (r *run) canonicalize(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.RequestPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	u, err := urlnorm.Canonicalize(p.URL, nil, r.e.cfg.Canonical)
	if err != nil {
		return pipeline.Fail(err)
	}
	if !urlnorm.IsFetchable(u) {
		return pipeline.Fail(fmt.Errorf("%w: unsupported scheme %q", pipeline.ErrValidationRejected, u.Scheme))
	}
	p.URL = u.String()
	return pipeline.ContinueWith(p)
}

func (r *run) checkRedirectLimit(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.RequestPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	if p.RedirectCount > r.e.cfg.RedirectLimit {
		return pipeline.Fail(fmt.Errorf("%w: %d hops", pipeline.ErrRedirectLimitExceeded, p.RedirectCount))
	}
	return pipeline.Continue()
}

func (r *run) dedupRequest(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.RequestPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	if !r.requested.MarkIfNotProcessed(p.URL) {
		return pipeline.Fail(pipeline.ErrAlreadyProcessed)
	}
	return pipeline.Continue()
}

func (r *run) validate(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.RequestPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("%w: %v", urlnorm.ErrMalformedURL, err))
	}
	if err := r.validator.Validate(u); err != nil {
		return pipeline.Fail(fmt.Errorf("%w: %v", pipeline.ErrValidationRejected, err))
	}
	return pipeline.Continue()
}

func (r *run) forwardToFetch(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.RequestPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	if _, err := r.driver.Dispatch(model.StageFetch, job, p.ToFetch(p.URL)); err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Continue()
}

// -------------------------FETCH--------------------------

func (r *run) lookupCache(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.FetchPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}

	meta, err := r.e.cache.Stat(p.Key)
	switch {
	case errors.Is(err, cache.ErrNotCached):
		return pipeline.Continue()
	case err != nil:
		return pipeline.Fail(err)
	case meta.IsRedirect():
		return r.followRedirect(job, p, meta.Redirected)
	case meta.IsError():
		return pipeline.Fail(fmt.Errorf("cached failure for %s: %s", p.Key, meta.Error))
	}

	r.cacheHits.Add(1)
	job.Logf("cache hit")
	p.Cached = true
	return pipeline.ContinueWith(p)
}

func (r *run) fetchRemote(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.FetchPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	if p.Cached {
		return pipeline.Continue()
	}

	r.fetched.Add(1)
	resp, err := r.e.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		var te *fetch.TransportError
		if errors.As(err, &te) {
			meta := cache.Metadata{Header: te.Header, Status: te.Status, URI: p.URL, Error: te.Code()}
			if perr := r.e.cache.Put(p.Key, meta, nil); perr != nil {
				return pipeline.Fail(errors.Join(err, perr))
			}
		}
		return pipeline.Fail(err)
	}
	job.Logf("status %d, %d bytes", resp.Status, len(resp.Body))

	if resp.IsRedirect() {
		target, err := resolveLocation(p.URL, resp.Header.Get("Location"))
		if err != nil {
			meta := cache.Metadata{Header: resp.Header, Status: resp.Status, URI: p.URL, Error: "invalid_redirect"}
			if perr := r.e.cache.Put(p.Key, meta, nil); perr != nil {
				return pipeline.Fail(errors.Join(err, perr))
			}
			return pipeline.Fail(err)
		}
		meta := cache.Metadata{Header: resp.Header, Status: resp.Status, URI: p.URL, Redirected: target}
		if err := r.e.cache.Put(p.Key, meta, nil); err != nil {
			return pipeline.Fail(err)
		}
		return r.followRedirect(job, p, target)
	}

	meta := cache.Metadata{
		Header:   resp.Header,
		Status:   resp.Status,
		URI:      p.URL,
		MIMEType: mediatype.Resolve(resp.Header, resp.Body),
	}
	if err := r.e.cache.Put(p.Key, meta, resp.Body); err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Continue()
}

func (r *run) forwardToParse(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.FetchPayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	if _, err := r.driver.Dispatch(model.StageParse, job, p.ToParse()); err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Continue()
}

func (r *run) followRedirect(job *model.Job, p model.FetchPayload, target string) pipeline.Outcome {
	if _, err := r.driver.Dispatch(model.StageRequest, job, p.Redirect(target)); err != nil && !stopped(err) {
		return pipeline.Fail(err)
	}
	return pipeline.Fail(fmt.Errorf("%w to %s", pipeline.ErrRedirected, target))
}

func resolveLocation(from, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("redirect from %s without Location header", from)
	}
	base, err := url.Parse(from)
	if err != nil {
		return "", err
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("redirect from %s: %w: %v", from, urlnorm.ErrMalformedURL, err)
	}
	return base.ResolveReference(loc).String(), nil
}

// -------------------------PARSE--------------------------

func (r *run) loadDocument(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.ParsePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	entry, err := r.e.cache.Get(p.Key)
	if err != nil {
		return pipeline.Fail(err)
	}
	if entry.Metadata.IsRedirect() || entry.Metadata.IsError() {
		return pipeline.Complete("nothing to parse")
	}

	p.Header = entry.Metadata.Header
	p.Body = entry.Body
	p.MIMEType = MIMEOf(entry.Metadata)
	if p.MIMEType == "" {
		p.MIMEType = mediatype.Resolve(p.Header, p.Body)
	}
	if !mediatype.IsHTML(p.MIMEType) && !mediatype.IsCSS(p.MIMEType) {
		return pipeline.Complete("not a document")
	}
	return pipeline.ContinueWith(p)
}

func (r *run) patchDocument(ctx context.Context, job *model.Job) pipeline.Outcome {
	if r.e.patcher.Empty() {
		return pipeline.Continue()
	}
	p, err := payloadOf[model.ParsePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	p.Body = r.e.patcher.Patch(p.URL, p.Body)
	return pipeline.ContinueWith(p)
}

func (r *run) discover(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.ParsePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	base, err := url.Parse(p.URL)
	if err != nil {
		return pipeline.Fail(err)
	}

	var refs []extract.Reference
	if mediatype.IsHTML(p.MIMEType) {
		doc, err := extract.ParseHTML(p.Body, base)
		if err != nil {
			return pipeline.Fail(err)
		}
		refs = doc.References()
	} else {
		refs = extract.CSSReferences(p.Body, base)
	}

	seen := make(map[string]bool, len(refs))
	dispatched := 0
	for _, ref := range refs {
		target := ref.URL.String()
		if seen[target] {
			continue
		}
		seen[target] = true
		if _, err := r.driver.Dispatch(model.StageRequest, job, p.Discovered(target)); err != nil {
			if stopped(err) {
				job.Logf("dispatch stopped: %v", err)
				break
			}
			return pipeline.Fail(err)
		}
		dispatched++
	}
	job.Logf("%d references, %d requested", len(refs), dispatched)
	return pipeline.Continue()
}

// -------------------------WRITE--------------------------

func (r *run) dedupWrite(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.WritePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	u, err := urlnorm.Canonicalize(p.URL, nil, r.e.cfg.Canonical)
	if err != nil {
		return pipeline.Fail(err)
	}
	p.URL = u.String()
	if !r.written.MarkIfNotProcessed(p.URL) {
		return pipeline.Fail(pipeline.ErrAlreadyProcessed)
	}
	return pipeline.ContinueWith(p)
}

func (r *run) loadWritable(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.WritePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}

	entry, err := r.e.cache.Get(p.URL)
	if errors.Is(err, cache.ErrNotCached) {
		return pipeline.Complete("not cached")
	}
	if err != nil {
		return pipeline.Fail(err)
	}

	meta := entry.Metadata
	switch {
	case meta.IsRedirect():
		base, _ := url.Parse(p.URL)
		target, err := urlnorm.Canonicalize(meta.Redirected, base, r.e.cfg.Canonical)
		if err != nil {
			return pipeline.Fail(err)
		}
		if _, err := r.driver.Dispatch(model.StageWrite, job, model.WritePayload{URL: target.String()}); err != nil && !stopped(err) {
			return pipeline.Fail(err)
		}
		return pipeline.Fail(fmt.Errorf("%w to %s", pipeline.ErrRedirected, target))
	case meta.IsError():
		return pipeline.Fail(fmt.Errorf("cached failure for %s: %s", p.URL, meta.Error))
	}

	p.Header = meta.Header
	p.Body = entry.Body
	p.MIMEType = MIMEOf(meta)
	if p.MIMEType == "" {
		p.MIMEType = mediatype.Resolve(p.Header, p.Body)
	}
	return pipeline.ContinueWith(p)
}

func (r *run) rewriteLinks(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.WritePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	isHTML, isCSS := mediatype.IsHTML(p.MIMEType), mediatype.IsCSS(p.MIMEType)
	if !isHTML && !isCSS {
		return pipeline.Continue()
	}

	docURL, err := url.Parse(p.URL)
	if err != nil {
		return pipeline.Fail(err)
	}
	body := r.e.patcher.Patch(p.URL, p.Body)

	var refs []extract.Reference
	rewrite := r.e.rewriter.Func(mirrorpath.ToMirrorPath(docURL, p.MIMEType))
	collect := func(ref extract.Reference) (string, bool) {
		refs = append(refs, ref)
		return rewrite(ref)
	}

	changed := 0
	if isHTML {
		doc, err := extract.ParseHTML(body, docURL)
		if err != nil {
			return pipeline.Fail(err)
		}
		changed = doc.Rewrite(collect)
		if stripped := doc.StripBase(); changed+stripped > 0 {
			if body, err = doc.Render(); err != nil {
				return pipeline.Fail(err)
			}
		}
	} else {
		body, changed = extract.RewriteCSS(body, docURL, collect)
	}
	job.Logf("%d references, %d rewritten", len(refs), changed)

	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		u, err := urlnorm.Canonicalize(ref.URL.String(), nil, r.e.cfg.Canonical)
		if err != nil || seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		if _, err := r.driver.Dispatch(model.StageWrite, job, model.WritePayload{URL: u.String()}); err != nil {
			if stopped(err) {
				break
			}
			return pipeline.Fail(err)
		}
	}

	p.Body = body
	return pipeline.ContinueWith(p)
}

func (r *run) writeFile(ctx context.Context, job *model.Job) pipeline.Outcome {
	p, err := payloadOf[model.WritePayload](job)
	if err != nil {
		return pipeline.Fail(err)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return pipeline.Fail(err)
	}

	rel := mirrorpath.ToMirrorPath(u, p.MIMEType)
	if err := writeAtomic(filepath.Join(r.e.cfg.OutputDir, filepath.FromSlash(rel)), p.Body); err != nil {
		return pipeline.Fail(fmt.Errorf("write %s: %w", rel, err))
	}
	r.addFile(rel)
	job.Logf("wrote %s", rel)
	return pipeline.Complete("wrote " + rel)
}

func writeAtomic(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
