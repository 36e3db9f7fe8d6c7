package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
	"github.com/mengzhuo/gontpc"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// maxParallel bounds the number of servers queried at once.
const maxParallel = 16

var (
	configFile string
	timeout    time.Duration
	verbose    bool
	metric     string
	jsonOutput bool
	retries    uint

	version = "dev"
)

var errQuery = errors.New("one or more queries failed")

var rootCmd = &cobra.Command{
	Use:           "gontpc [flags] [server...]",
	Short:         "Query NTP servers for the current time",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(verbose)

		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		servers := args
		if len(servers) == 0 {
			servers = cfg.Servers
		}
		if len(servers) == 0 {
			return gontpc.ErrNoURL
		}

		if cfg.Metric != "" {
			go serveMetric(log, cfg.Metric)
		}

		c, err := gontpc.NewClient(cfg, gontpc.WithLogger(log))
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		p := newPrinter(cmd.OutOrStdout(), jsonOutput, log)
		err = run(ctx, c, servers, retries, p)
		if ferr := p.flush(); err == nil {
			err = ferr
		}
		return err
	},
}

func init() {
	addFlags(rootCmd.Flags())
}

func addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "config", "c", "", "yaml config file")
	fs.DurationVarP(&timeout, "timeout", "t", gontpc.DefaultTimeout, "timeout of each query")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log transaction details")
	fs.StringVar(&metric, "metric", "", "serve prometheus metrics on this address")
	fs.BoolVar(&jsonOutput, "json", false, "print results as json lines")
	fs.UintVarP(&retries, "retries", "r", 0, "retry a timed out query this many times")
}

// loadConfig reads the config file, if any, and applies the flags given
// on the command line over it.
func loadConfig(fs *pflag.FlagSet) (cfg *gontpc.Config, err error) {
	cfg = gontpc.DefaultConfig()
	if configFile != "" {
		cfg, err = gontpc.NewConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	if fs.Changed("timeout") || cfg.Timeout == 0 {
		cfg.Timeout = timeout
	}
	if fs.Changed("metric") {
		cfg.Metric = metric
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, c *gontpc.Client, servers []string, retries uint, p *printer) error {
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, server := range servers {
		g.Go(func() error {
			resp, err := query(ctx, c, server, retries)
			p.add(i, server, resp, err)
			if err != nil {
				return errQuery
			}
			return nil
		})
	}
	return g.Wait()
}

// query asks server for the time, retrying timeouts with exponential
// backoff. Any other error ends the query.
func query(ctx context.Context, c *gontpc.Client, server string, retries uint) (*gontpc.Response, error) {
	return backoff.Retry(ctx, func() (*gontpc.Response, error) {
		resp, err := c.QueryResponse(ctx, server)
		if err == nil {
			return resp, nil
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(retries+1),
	)
}

type result struct {
	Server   string    `json:"server"`
	Address  string    `json:"address,omitempty"`
	Time     time.Time `json:"time,omitzero"`
	Stratum  uint8     `json:"stratum,omitempty"`
	RefID    string    `json:"ref_id,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Error    string    `json:"error,omitempty"`

	order int
}

// printer streams json lines as results arrive, or collects rows for a
// table printed by flush.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	enc  *json.Encoder
	json bool
	log  *slog.Logger
	rows []result
	// first write error
	err error
}

func newPrinter(w io.Writer, asJSON bool, log *slog.Logger) *printer {
	return &printer{w: w, enc: json.NewEncoder(w), json: asJSON, log: log}
}

func (p *printer) add(order int, server string, resp *gontpc.Response, err error) {
	r := result{Server: server, order: order}
	if err != nil {
		r.Error = err.Error()
	} else {
		r.Address = resp.Server.String()
		r.Time = resp.Time.UTC()
		r.Stratum = resp.Packet.Stratum
		r.RefID = refID(resp.Packet)
		r.Duration = resp.Elapsed.String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if err := p.enc.Encode(r); err != nil && p.err == nil {
			p.err = err
			p.log.Error("write result", "server", server, "error", err)
		}
		return
	}
	p.rows = append(p.rows, r)
}

// flush renders the collected table and reports the first write error.
func (p *printer) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json || len(p.rows) == 0 {
		return p.err
	}
	sort.Slice(p.rows, func(i, j int) bool {
		return p.rows[i].order < p.rows[j].order
	})

	table := tablewriter.NewWriter(p.w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Server", "Address", "Time", "Stratum", "Ref", "Elapsed", "Error"})
	for _, r := range p.rows {
		row := []string{r.Server, r.Address, "", "", r.RefID, r.Duration, r.Error}
		if r.Error == "" {
			row[2] = r.Time.Format(time.RFC3339Nano)
			row[3] = fmt.Sprintf("%d", r.Stratum)
		}
		table.Append(row)
	}
	table.Render()
	p.rows = nil
	return p.err
}

// refID renders the reference identifier the way ntpq does: ASCII for
// stratum 0 and 1, a dotted quad otherwise.
func refID(p *gontpc.Packet) string {
	id := p.ReferenceID
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	if p.Stratum > 1 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	for _, c := range b[:n] {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", id)
		}
	}
	return string(b[:n])
}

func serveMetric(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metric server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelWarn,
		TimeFormat: time.Kitchen,
	}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gontpc:", err)
		os.Exit(1)
	}
}
