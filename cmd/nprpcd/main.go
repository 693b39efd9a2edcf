// Command nprpcd hosts the nameserver servant described by spec.md §6
// on one runtime, the way a real deployment would bring it up standalone
// rather than embedded in a test fixture.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nikitapn/nprpc-go"
	"github.com/nikitapn/nprpc-go/nameserver"
	"github.com/nikitapn/nprpc-go/nlog"
	"github.com/nikitapn/nprpc-go/poa"
	"github.com/nikitapn/nprpc-go/rt"
)

const nameserverPoaIdx = 0

func main() {
	configPath := flag.String("config", "", "path to a JSON runtime config file; defaults used when empty")
	dbPath := flag.String("db", "nprpcd.db", "path to the nameserver's persistent store")
	flag.Parse()

	cfg := nprpc.DefaultConfig()
	if *configPath != "" {
		loaded, err := nprpc.LoadConfigFile(*configPath)
		if err != nil {
			nlog.Errorf("loading config %s: %v", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	r := rt.New(cfg, nprpc.NewMetrics(nil))
	if err := r.Listen(); err != nil {
		nlog.Errorf("listen: %v", err)
		os.Exit(1)
	}

	urls := ""
	if tcpAddr, ok := r.TCPAddr().(*net.TCPAddr); ok {
		urls = fmt.Sprintf("tcp://%s:%d", cfg.Hostname, tcpAddr.Port)
	}
	table := r.RegisterPoa(nameserverPoaIdx, poa.Policies{
		Lifespan:       poa.Persistent,
		ObjectIdPolicy: poa.SystemGenerated,
		MaxObjects:     1,
	}, nprpc.NewOrigin(), urls)

	servant, err := nameserver.Open(*dbPath)
	if err != nil {
		nlog.Errorf("opening nameserver store %s: %v", *dbPath, err)
		os.Exit(1)
	}
	obj, err := table.Activate(servant, 0)
	if err != nil {
		nlog.Errorf("activating nameserver servant: %v", err)
		os.Exit(1)
	}
	nlog.Infof("nameserver ready: %s", obj.Marshal())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	nlog.Infof("shutting down")
	_ = r.Close()
	_ = servant.Close()
}
