// Command curlfetch is a small demonstration client built on the
// scheduler/source packages: it pulls one or more URLs concurrently over
// the shared multi-request scheduler, following the Consumer API's
// create_next_chunk/Eos/err contract the way a real media element would.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/multierr"

	"go-curlhttpsrc/httperr"
	"go-curlhttpsrc/internal/gb403log"
	"go-curlhttpsrc/reqslot"
	"go-curlhttpsrc/scheduler"
	"go-curlhttpsrc/source"
)

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flagUsageAndExit()
	}

	if opts.Debug {
		gb403log.EnableDebug()
	}

	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
			gb403log.Error().Module("curlfetch").Msgf("creating outdir: %v", err)
			os.Exit(1)
		}
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:               opts.Concurrency + opts.Concurrency/2,
		ReadTimeout:                   0,
		StreamResponseBody:            true,
		NoDefaultUserAgentHeader:      true,
		DisableHeaderNamesNormalizing: false,
	}

	diagnostics := httperr.NewDiagnostics(32 * 1024 * 1024)
	sched := scheduler.New(client, diagnostics)

	start, stop := parseRange(opts.Range)
	headers := parseHeaders(opts.Headers)

	cfg := reqslot.Config{
		ExtraHeaders:    headers,
		UserAgent:       opts.UserAgent,
		Compress:        opts.Compress,
		FollowRedirects: opts.FollowRedirects,
		MaxRedirects:    opts.MaxRedirects,
		KeepAlive:       opts.KeepAlive,
		TimeoutSeconds:  opts.TimeoutSeconds,
		TotalRetries:    opts.MaxRetries,
	}
	if opts.ProxyURL != "" {
		cfg.Credentials.ProxyURI = opts.ProxyURL
	}

	pool := pond.NewPool(opts.Concurrency)
	group := pool.NewGroupContext(context.Background())

	var aggErr error
	var aggMu sync.Mutex

	for i, u := range opts.URLs {
		i, u := i, u
		group.SubmitErr(func() error {
			n, ferr := fetchOne(sched, cfg, start, stop, i, u, opts.OutDir)
			if ferr != nil {
				gb403log.Error().Module("curlfetch").Field("url", u).Msgf("failed: %v", ferr)
				aggMu.Lock()
				aggErr = multierr.Append(aggErr, fmt.Errorf("%s: %w", u, ferr))
				aggMu.Unlock()
				return nil
			}
			gb403log.Info().Module("curlfetch").Field("url", u).Msgf("downloaded %d bytes", n)
			return nil
		})
	}

	_ = group.Wait()
	pool.StopAndWait()

	if aggErr != nil {
		fmt.Fprintln(os.Stderr, aggErr)
		os.Exit(1)
	}
}

func fetchOne(sched *scheduler.MultiScheduler, cfg reqslot.Config, start, stop int64, index int, uri, outDir string) (int64, error) {
	id := "req-" + strconv.Itoa(index)
	src, err := source.New(sched, id, uri, cfg, nil)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if start != 0 || stop >= 0 {
		if err := src.Start(); err != nil {
			return 0, err
		}
		if err := src.Seek(start, stop); err != nil {
			return 0, err
		}
	}

	var out io.Writer = io.Discard
	if outDir != "" {
		f, ferr := os.Create(path.Join(outDir, outputName(index, uri)))
		if ferr != nil {
			return 0, ferr
		}
		defer f.Close()
		out = f
	}

	var total int64
	for {
		chunk, cerr := src.CreateNextChunk()
		if cerr == io.EOF {
			return total, nil
		}
		if cerr != nil {
			return total, cerr
		}
		n, werr := out.Write(chunk)
		total += int64(n)
		if werr != nil {
			return total, werr
		}
	}
}

func outputName(index int, uri string) string {
	base := path.Base(uri)
	if base == "" || base == "." || base == "/" {
		base = "body"
	}
	return fmt.Sprintf("%02d-%s", index, base)
}

func parseRange(spec string) (start, stop int64) {
	stop = -1
	if spec == "" {
		return
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) == 0 {
		return
	}
	if v, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
		start = v
	}
	if len(parts) == 2 && parts[1] != "" {
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			stop = v
		}
	}
	return
}

func parseHeaders(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func flagUsageAndExit() {
	flag.Usage()
	os.Exit(2)
}
