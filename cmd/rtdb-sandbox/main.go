package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/Ratio1/rtsync_sdk_go/internal/sandbox"
	"github.com/Ratio1/rtsync_sdk_go/internal/seed"
	"github.com/Ratio1/rtsync_sdk_go/pkg/rtdb/mock"
)

const usage = `Realtime tree sandbox.

Serves an in-memory tree over the REST and stream endpoints used by the rtdb
HTTP backend.

Usage:
    rtdb-sandbox [--addr=<addr>] [--seed=<path>] [--db=<path>]
        [--latency=<latency>] [--fail=<fail>] [--secret=<secret>] [-v <level>]
    rtdb-sandbox -h | --help

Options:
    -h --help              Show this screen.
    --addr=<addr>          Listen address [default: :8787].
    --seed=<path>          JSON or YAML seed applied on start.
    --db=<path>            Persist the tree to a sqlite file.
    --latency=<latency>    Latency added to every REST request [default: 0s].
    --fail=<fail>          Failure injection, rate=<float>,code=<httpStatus>.
    --secret=<secret>      Require HS256 bearer tokens signed with secret.
    -v <level>             Log verbosity [default: 0].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}

	level, _ := opts.String("-v")
	flag.Set("logtostderr", "true")
	flag.Set("v", level)
	defer glog.Flush()

	if err := run(opts); err != nil {
		glog.Errorf("[sandbox]%s", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	addr, _ := opts.String("--addr")
	latencyRaw, _ := opts.String("--latency")
	latency, err := time.ParseDuration(latencyRaw)
	if err != nil {
		return fmt.Errorf("parse latency: %w", err)
	}
	var failRaw string
	if v := opts["--fail"]; v != nil {
		failRaw = v.(string)
	}
	failCfg, err := parseFailConfig(failRaw)
	if err != nil {
		return fmt.Errorf("parse fail flag: %w", err)
	}
	var secret string
	if v := opts["--secret"]; v != nil {
		secret = v.(string)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := mock.New()
	defer store.Close()

	if v := opts["--db"]; v != nil {
		db, err := sql.Open("sqlite", v.(string))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		if err := store.Persist(ctx, db); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	if v := opts["--seed"]; v != nil {
		entries, err := seed.Load(v.(string))
		if err != nil {
			return err
		}
		if err := store.Seed(entries); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	srv := sandbox.New(store, sandbox.Options{
		Latency:  latency,
		FailRate: failCfg.rate,
		FailCode: failCfg.code,
		Secret:   []byte(secret),
	})
	defer srv.Close()

	server := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	glog.Infof("[sandbox]listening on %s", addr)
	printExports(addr, secret != "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func printExports(addr string, auth bool) {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	fmt.Println()
	fmt.Println("export RTDB_RUNTIME_MODE=http")
	fmt.Printf("export RTDB_API_URL=http://%s\n", host)
	if auth {
		fmt.Printf("export RTDB_TOKEN=$(curl -s -X POST http://%s/auth/token | jq -r .result.token)\n", host)
	}
	fmt.Println()
}
