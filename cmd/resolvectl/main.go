// Command resolvectl is a small demonstration CLI wiring config,
// transport, cache and resolver together for manual testing. It is a
// demonstration harness, not a DNS server: no zone serving, no HTTP
// admin API, no DoH/DoQ listeners.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/coredive/resolver/cache"
	"github.com/coredive/resolver/config"
	"github.com/coredive/resolver/resolver"
	"github.com/coredive/resolver/transport"
)

var (
	version       = "dev"
	cfgPath       string
	checkDisabled bool
)

func main() {
	root := &cobra.Command{
		Use:   "resolvectl",
		Short: "Manual testing harness for the recursive resolver core",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "resolvectl.toml", "path to the resolver config file")

	root.AddCommand(newResolveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <name> <type>",
		Short: "Recursively resolve a single name/type pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(args[0], args[1])
		},
	}
	cmd.Flags().BoolVar(&checkDisabled, "cd", false, "set the Checking Disabled bit (skip DNSSEC validation requirement)")
	return cmd
}

func runResolve(name, qtype string) error {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	zlog.SetDefault(logger)

	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	t, ok := dns.StringToType[strings.ToUpper(qtype)]
	if !ok {
		return fmt.Errorf("unknown query type %q", qtype)
	}

	rootKeys, err := cfg.ParseRootKeys()
	if err != nil {
		return fmt.Errorf("parse root keys: %w", err)
	}

	dnsCache := cache.NewDNSCache(cfg.CacheSize, cfg.DnssecBadCacheSize, cfg.DnssecBadCacheTTL)

	dialTimeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	pool := transport.NewConnPool(dialTimeout, dialTimeout*2, cfg.MaxPooledConnsPerHost)
	dispatcher := transport.NewDispatcher(pool)

	rootHints := &resolver.BuiltinRootHints{
		StateFile: cfg.TrustAnchorFile,
		RootKeys:  rootKeys,
	}

	r := resolver.NewResolver(dnsCache, dispatcher, resolver.NewDefaultValidator(), rootHints)
	r.Inflight = cache.NewLookupQueue()

	opts := cfg.ToResolveOptions()
	opts.DnssecValidation = opts.DnssecValidation && !checkDisabled

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.TimeoutMS)*time.Millisecond*time.Duration(opts.MaxStackCount))
	defer cancel()

	q := dns.Question{Name: dns.Fqdn(name), Qtype: t, Qclass: dns.ClassINET}

	start := time.Now()
	resp, err := r.Resolve(ctx, q, opts)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	fmt.Printf(";; resolved in %s\n", elapsed)
	fmt.Println(resp.String())
	return nil
}
