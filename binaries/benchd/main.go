package main

import (
	"flag"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/api"
	benchlog "github.com/benchd/benchd/common/log"
	"github.com/benchd/benchd/common/stats"
	"github.com/benchd/benchd/config"
	"github.com/benchd/benchd/exec"
	"github.com/benchd/benchd/exec/localexec"
	"github.com/benchd/benchd/exec/sshexec"
	"github.com/benchd/benchd/journal"
	"github.com/benchd/benchd/output"
	"github.com/benchd/benchd/scheduler"
)

var configFile = flag.String("config", "", "Path to yaml config file.")
var addr = flag.String("addr", "", "Bind address for api server, overrides config.")
var dataDir = flag.String("data_dir", "", "Data directory, overrides config.")
var logLevelFlag = flag.String("log_level", "", "Log everything at this level or above (error|info|debug), overrides config.")

func main() {
	flag.Parse()

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *addr != "" {
		conf.Addr = *addr
	}
	if *dataDir != "" {
		conf.DataDir = *dataDir
	}
	if *logLevelFlag != "" {
		conf.LogLevel = *logLevelFlag
	}

	if err := benchlog.Init(conf.LogLevel); err != nil {
		log.Fatalf("Error initializing logging: %v", err)
	}
	log.Info("Starting benchd scheduling server")

	stat := stats.DefaultStatsReceiver().Precision(time.Millisecond).Scope("benchd")
	stats.CurrentStatsReceiver = stat
	stats.ReportServerRestart(stat, "serverRestartGauge", 15*time.Second)

	var remote exec.Remote
	switch conf.Transport {
	case "local":
		remote = localexec.New()
	case "ssh", "":
		remote, err = sshexec.New(sshexec.Config{
			User:    conf.SSH.User,
			KeyFile: conf.SSH.KeyFile,
			Port:    conf.SSH.Port,
		})
		if err != nil {
			log.Fatalf("Error setting up ssh transport: %v", err)
		}
	default:
		log.Fatalf("Unknown transport %q", conf.Transport)
	}

	out, err := output.New(conf.DataDir, conf.CacheBytes, stat)
	if err != nil {
		log.Fatalf("Error opening data dir: %v", err)
	}

	jrnl, err := journal.MakeFileJournal(filepath.Join(conf.DataDir, "journal.log"))
	if err != nil {
		log.Fatalf("Error opening journal: %v", err)
	}
	defer jrnl.Close()

	sched, err := scheduler.New(jrnl, remote, out, scheduler.Config{
		ScheduleInterval:   conf.ScheduleInterval(),
		HealthInterval:     conf.HealthInterval(),
		HealthChecksPerSec: conf.HealthChecksPerSec,
	}, stat)
	if err != nil {
		log.Fatalf("Error recovering scheduler state: %v", err)
	}
	sched.Start()

	server := api.NewServer(conf.Addr, sched, stat)
	log.Fatal(server.Serve())
}
