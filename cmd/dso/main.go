// Command-line interface to a DSO coordination server.
// Starts a server from a TOML configuration and reports version information.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/janelia-flyem/dso/dso"
	"github.com/janelia-flyem/dso/server"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Log debug messages if true.
	runDebug = flag.Bool("debug", false, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
dso runs a server coordinating transactions and locks over a shared object graph

Usage: dso [options] <command>

      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on ctrl-C.
      -numcpu     =number   Number of logical CPUs to use.
      -debug      (flag)    Log debug messages.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve <config.toml> [rpc=<address>] [web=<address>] [server=<id>]

The optional settings of serve override the [server] section of the configuration.
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		dso.Verbose = true
	}
	if *runDebug {
		dso.SetLogMode(dso.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	if err := DoCommand(dso.Command(flag.Args())); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(cmd dso.Command) error {
	switch cmd.Name() {
	case "serve":
		return DoServe(cmd)
	case "about":
		fmt.Printf("dso protocol %s, built with %s\n", dso.ProtocolVersion, runtime.Version())
		return nil
	default:
		return fmt.Errorf("unknown command %q, try 'dso help'", cmd.Name())
	}
}

// DoServe loads a configuration, starts a server and runs it until interrupted.
func DoServe(cmd dso.Command) error {
	var configPath string
	cmd.CommandArgs(&configPath)
	if configPath == "" {
		return fmt.Errorf("serve command must be followed by the path to the TOML configuration")
	}
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr, found := cmd.Parameter(dso.KeyRpc); found {
		config.Server.RPCAddress = addr
	}
	if addr, found := cmd.Parameter(dso.KeyWeb); found {
		config.Server.HTTPAddress = addr
	}
	if idStr, found := cmd.Parameter(dso.KeyServerID); found {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return fmt.Errorf("bad server id %q: %v", idStr, err)
		}
		config.Server.ServerID = id
	}
	config.Logging.SetLogger()
	defer dso.Shutdown()

	s, err := server.NewServer(config)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		s.Shutdown()
		return err
	}

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- s.Wait()
	}()
	select {
	case sig := <-stopSig:
		dso.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
	case err = <-done:
		if err != nil {
			dso.Errorf("Server stopped: %v\n", err)
		}
	}
	if *memprofile != "" {
		dso.Infof("Storing memory profiling to %s...\n", *memprofile)
		f, err := os.Create(*memprofile)
		if err != nil {
			return err
		}
		pprof.WriteHeapProfile(f)
		f.Close()
	}
	s.Shutdown()
	return err
}
