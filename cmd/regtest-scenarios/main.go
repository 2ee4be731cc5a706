package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	regtest "github.com/neverDefined/regtest-scenarios"
	"github.com/neverDefined/regtest-scenarios/internal/config"
	"github.com/neverDefined/regtest-scenarios/internal/multisig"
	"github.com/neverDefined/regtest-scenarios/internal/scenario"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const appName = "regtest-scenarios"

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path of the config file (json, yaml or toml)",
	}
	scenarioFlag = cli.StringFlag{
		Name:  "scenario",
		Usage: fmt.Sprintf("scenario to run: %s or %s", strings.Join(scenario.Names(), ", "), scenario.All),
		Value: scenario.All,
	}
	testFlag = cli.BoolFlag{
		Name:  "test",
		Usage: "spend from each multisig with the non-coordinator signers after the scenario",
	}
	outputDirFlag = cli.StringFlag{
		Name:  "output-dir",
		Usage: "directory where caravan fixtures are written",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "log level: debug, info, warn, error",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "serve prometheus metrics on this address, ie. :9100",
	}
	manageNodeFlag = cli.BoolFlag{
		Name:  "manage-node",
		Usage: "start bitcoind with the manager script before the run and stop it afterwards",
	}
)

func main() {
	app := cli.NewApp()

	app.Name = appName
	app.Usage = "Generate multisig wallet fixtures on a Bitcoin Core regtest node"
	app.Flags = []cli.Flag{
		&configFlag,
		&scenarioFlag,
		&testFlag,
		&outputDirFlag,
		&logLevelFlag,
		&metricsAddrFlag,
		&manageNodeFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if ctx.IsSet(outputDirFlag.Name) {
		cfg.OutputDir = ctx.String(outputDirFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		level, err := log.ParseLevel(ctx.String(logLevelFlag.Name))
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(cfg.LogLevel)

	scenarios, err := scenario.Resolve(ctx.String(scenarioFlag.Name))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		stop := serveMetrics(addr, reg)
		defer stop()
	}

	rt, err := regtest.New(cfg.RegtestConfig(), regtest.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer rt.Close()

	if ctx.Bool(manageNodeFlag.Name) {
		if err := rt.StartNode(); err != nil {
			return err
		}
		defer func() {
			if err := rt.StopNode(); err != nil {
				log.WithError(err).Warn("failed to stop node")
			}
		}()
	}

	if err := rt.HealthCheck(); err != nil {
		return err
	}
	if cfg.Wallet != "" {
		if _, err := rt.EnsureWallet(cfg.Wallet); err != nil {
			return err
		}
	}

	env := scenario.Env{
		RT:        rt,
		Assembler: multisig.NewAssembler(rt, cfg.Policy()),
		Network:   cfg.Network,
		OutputDir: cfg.OutputDir,
	}

	results := make([]*scenario.Result, 0, len(scenarios))
	for _, s := range scenarios {
		res, err := scenario.Execute(env, s, ctx.Bool(testFlag.Name))
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	printSummary(results)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.Infof("serving metrics on %s/metrics", addr)

	return func() { _ = srv.Close() }
}

func printSummary(results []*scenario.Result) {
	fmt.Println()
	fmt.Println("Generated fixtures:")
	for _, res := range results {
		fmt.Printf("  %-18s %s\n", res.Scenario, res.FixturePath)
		fmt.Printf("  %-18s multisig %s, %d txs, %d blocks\n", "", res.Address,
			len(res.TxIDs), res.BlocksMined)

		names := make([]string, 0, len(res.Balances))
		for name := range res.Balances {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-18s %s: %s BTC\n", "", name, res.Balances[name].StringFixed(8))
		}

		if res.Spend != nil {
			status := "broadcast " + res.Spend.TxID
			if res.Spend.Err != nil {
				status = res.Spend.Err.Error()
			}
			fmt.Printf("  %-18s spend test: %s\n", "", status)
		}
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[%s] %v\n", appName, err)
	os.Exit(1)
}
