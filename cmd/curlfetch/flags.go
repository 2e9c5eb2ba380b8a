package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// multiFlag is the same table-driven registration style the original CLI
// used, trimmed down to the handful of flag kinds curlfetch needs.
type multiFlag struct {
	name   string
	usage  string
	value  any
	defVal any
}

// headerList collects repeated -H "Key: Value" flags into a slice, the
// custom flag.Value pattern the original used for its on/off flag.
type headerList struct {
	values *[]string
}

func (h *headerList) String() string {
	if h.values == nil {
		return ""
	}
	return strings.Join(*h.values, ",")
}

func (h *headerList) Set(value string) error {
	*h.values = append(*h.values, value)
	return nil
}

type urlList struct {
	values *[]string
}

func (u *urlList) String() string {
	if u.values == nil {
		return ""
	}
	return strings.Join(*u.values, ",")
}

func (u *urlList) Set(value string) error {
	*u.values = append(*u.values, value)
	return nil
}

func parseFlags() (*cliOptions, error) {
	opts := &cliOptions{}

	table := []multiFlag{
		{name: "u,url", usage: "Target URL, repeatable (example: -u https://example.com/file.bin)", value: &urlList{values: &opts.URLs}},
		{name: "o,outdir", usage: "Directory to write downloaded bodies into; empty means discard", value: &opts.OutDir},
		{name: "c,concurrency", usage: "Number of URLs fetched concurrently", value: &opts.Concurrency, defVal: 4},
		{name: "T,timeout", usage: "Per-attempt timeout in seconds", value: &opts.TimeoutSeconds, defVal: 30},
		{name: "max-retries", usage: "Retries per URL before giving up (-1 means infinite)", value: &opts.MaxRetries, defVal: 2},
		{name: "fr,follow-redirects", usage: "Follow HTTP redirects", value: &opts.FollowRedirects, defVal: true},
		{name: "max-redirects", usage: "Maximum redirects to follow", value: &opts.MaxRedirects, defVal: 10},
		{name: "ua,user-agent", usage: "User-Agent header to send", value: &opts.UserAgent, defVal: "curlfetch/1.0"},
		{name: "x,proxy", usage: "Proxy URL (format: http://proxy:port)", value: &opts.ProxyURL},
		{name: "range", usage: "Byte range to request, start-stop (stop omitted means to EOF)", value: &opts.Range},
		{name: "compress", usage: "Send Accept-Encoding: gzip", value: &opts.Compress, defVal: false},
		{name: "keep-alive", usage: "Keep the connection alive after the response", value: &opts.KeepAlive, defVal: true},
		{name: "d,debug", usage: "Verbose debug logging", value: &opts.Debug, defVal: false},
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "curlfetch - pull-mode HTTP downloader over a shared multi-request scheduler\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		for _, f := range table {
			names := strings.Split(f.name, ",")
			fmt.Fprintf(os.Stderr, "  -%s\n", strings.Join(names, ", -"))
			if f.defVal != nil {
				fmt.Fprintf(os.Stderr, "        %s (default: %v)\n", f.usage, f.defVal)
			} else {
				fmt.Fprintf(os.Stderr, "        %s\n", f.usage)
			}
		}
	}

	var headers []string
	flag.Var(&headerList{values: &headers}, "H", "extra request header \"Key: Value\", repeatable")

	for _, f := range table {
		for _, name := range strings.Split(f.name, ",") {
			name = strings.TrimSpace(name)
			switch v := f.value.(type) {
			case *string:
				def, _ := f.defVal.(string)
				flag.StringVar(v, name, def, f.usage)
			case *int:
				def, _ := f.defVal.(int)
				flag.IntVar(v, name, def, f.usage)
			case *bool:
				def, _ := f.defVal.(bool)
				flag.BoolVar(v, name, def, f.usage)
			case flag.Value:
				flag.Var(v, name, f.usage)
			}
		}
	}

	flag.Parse()
	opts.Headers = headers
	opts.URLs = append(opts.URLs, flag.Args()...)

	return opts, opts.validate()
}

type cliOptions struct {
	URLs            []string
	Headers         []string
	OutDir          string
	Concurrency     int
	TimeoutSeconds  int
	MaxRetries      int
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
	ProxyURL        string
	Range           string
	Compress        bool
	KeepAlive       bool
	Debug           bool
}

func (o *cliOptions) validate() error {
	if len(o.URLs) == 0 {
		return fmt.Errorf("at least one URL is required (use -u or a positional argument)")
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return nil
}
